package realtime

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubBroadcastsToClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if hub.Clients() != 1 {
		t.Fatalf("client not registered")
	}

	hub.Publish(EventStage, map[string]string{"stage": "Done"})

	var ev struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
		At   time.Time         `json:"at"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventStage || ev.Data["stage"] != "Done" || ev.At.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHubDropsClosedClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	conn.Close()
	for hub.Clients() != 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if hub.Clients() != 0 {
		t.Fatalf("closed client still registered")
	}
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	before := hub.Clients()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == before && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	var ev Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev.Type
}

func TestHubReplaysLatestStateToNewClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	hub.Publish(EventStage, map[string]string{"stage": "WaitFirstStatus"})
	hub.Publish(EventStage, map[string]string{"stage": "WaitAppliedConfirmation"})
	hub.Publish(EventTimeout, map[string]string{"operation": "model"})
	hub.Publish(EventConnection, map[string]bool{"connected": true})

	conn := dial(t, hub, srv, "")
	defer conn.Close()

	if got := readType(t, conn); got != EventConnection {
		t.Fatalf("expected connection replay first, got %s", got)
	}
	var ev struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventStage || ev.Data["stage"] != "WaitAppliedConfirmation" {
		t.Fatalf("expected latest stage replay, got %+v", ev)
	}

	hub.Publish(EventProgress, map[string]int{"download": 10})
	if got := readType(t, conn); got != EventProgress {
		t.Fatalf("timeouts must not be replayed, got %s", got)
	}
}

func TestHubFiltersByType(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, hub, srv, "?types="+EventProgress+","+EventTimeout)
	defer conn.Close()

	hub.Publish(EventStage, map[string]string{"stage": "Done"})
	hub.Publish(EventTimeout, map[string]string{"operation": "firmware"})
	if got := readType(t, conn); got != EventTimeout {
		t.Fatalf("filtered client got %s", got)
	}
}
