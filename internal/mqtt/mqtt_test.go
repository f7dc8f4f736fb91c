package mqtt

import (
	"context"
	"testing"
	"time"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"v1/devices/me/attributes", "v1/devices/me/attributes", true},
		{"v1/devices/me/attributes/request/+", "v1/devices/me/attributes/request/42", true},
		{"v1/devices/me/attributes/request/+", "v1/devices/me/attributes/request", false},
		{"v1/devices/me/attributes/request/+", "v1/devices/me/attributes/request/1/2", false},
		{"v1/devices/#", "v1/devices/me/telemetry", true},
		{"v1/devices/me/telemetry", "v1/devices/me/attributes", false},
	}
	for _, tc := range cases {
		if got := Match(tc.filter, tc.topic); got != tc.want {
			t.Fatalf("Match(%q, %q) = %v, want %v", tc.filter, tc.topic, got, tc.want)
		}
	}
}

func TestInboxPreservesOrder(t *testing.T) {
	in := NewInbox(8)
	h := in.Handler()
	for _, topic := range []string{"a", "b", "c"} {
		h(Message{Topic: topic})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 3)
	go in.Run(ctx, func(_ context.Context, m Message) { got <- m.Topic })

	for _, want := range []string{"a", "b", "c"} {
		select {
		case topic := <-got:
			if topic != want {
				t.Fatalf("expected %s, got %s", want, topic)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestInboxHandlerDoesNotBlockAfterRun(t *testing.T) {
	in := NewInbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in.Run(ctx, func(context.Context, Message) {})

	h := in.Handler()
	sent := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			h(Message{Topic: "late"})
		}
		close(sent)
	}()
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatalf("handler blocked after Run returned")
	}
}
