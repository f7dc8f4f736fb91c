package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/edge-console/internal/onwire"
)

func TestExecSucceeds(t *testing.T) {
	rec := &recorder{}
	f := New(onwire.EVP2, rec.publish, rec.observe, Options{Timeout: time.Second})
	_ = f.SetManifest(manifestWithID("abc"))

	attach := func(ctx context.Context, f *FSM) error {
		if err := f.Start(ctx); err != nil {
			return err
		}
		go func() {
			_ = f.Update(ctx, status("old", ""))
			_ = f.Update(ctx, status("abc", "ok"))
		}()
		return nil
	}
	if err := Exec(context.Background(), f, attach); err != nil {
		t.Fatalf("exec: %v", err)
	}
}

func TestExecReportsFailure(t *testing.T) {
	rec := &recorder{}
	f := New(onwire.EVP1, rec.publish, rec.observe, Options{Timeout: time.Second})
	_ = f.SetManifest(manifestWithID("abc"))
	attach := func(ctx context.Context, f *FSM) error {
		if err := f.Start(ctx); err != nil {
			return err
		}
		go func() { _ = f.Update(ctx, errorStatus("abc", "")) }()
		return nil
	}
	if err := Exec(context.Background(), f, attach); !errors.Is(err, ErrDeploymentFailed) {
		t.Fatalf("expected ErrDeploymentFailed, got %v", err)
	}
}

func TestExecTimeoutNotifiesError(t *testing.T) {
	rec := &recorder{}
	f := New(onwire.EVP2, rec.publish, rec.observe, Options{Timeout: 30 * time.Millisecond})
	_ = f.SetManifest(manifestWithID("abc"))
	attach := func(ctx context.Context, f *FSM) error { return f.Start(ctx) }

	if err := Exec(context.Background(), f, attach); !errors.Is(err, ErrDeployTimeout) {
		t.Fatalf("expected ErrDeployTimeout, got %v", err)
	}
	stages, _ := rec.snapshot()
	if stages[len(stages)-1] != StageError {
		t.Fatalf("observer must see Error on timeout, got %v", stages)
	}
	if !isDone(f) {
		t.Fatalf("timed out FSM must release its waiters")
	}
}

func TestExecServesModules(t *testing.T) {
	rec := &recorder{}
	root := t.TempDir()
	f := New(onwire.EVP2, rec.publish, rec.observe, Options{UseWebserver: true, ServeRoot: root, Timeout: time.Second})
	_ = f.SetManifest(manifestWithID("abc"))
	attach := func(ctx context.Context, f *FSM) error {
		_ = f.Start(ctx)
		return f.Update(ctx, status("abc", "ok"))
	}
	if err := Exec(context.Background(), f, attach); err != nil {
		t.Fatalf("exec: %v", err)
	}
}

func TestExecConfirmationBeatsDeadline(t *testing.T) {
	for i := 0; i < 50; i++ {
		rec := &recorder{}
		f := New(onwire.EVP2, rec.publish, rec.observe, Options{Timeout: 5 * time.Millisecond})
		_ = f.SetManifest(manifestWithID("abc"))
		attach := func(ctx context.Context, f *FSM) error {
			_ = f.Start(ctx)
			_ = f.Update(ctx, status("abc", "ok"))
			<-ctx.Done()
			return nil
		}
		if err := Exec(context.Background(), f, attach); err != nil {
			t.Fatalf("run %d: confirmed deployment reported %v", i, err)
		}
		if f.Stage() != StageDone {
			t.Fatalf("run %d: expected Done, got %s", i, f.Stage())
		}
	}
}
