package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/shepherd/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	history.Emit(ctx, sink, history.Event{Type: history.EventServiceRestart, Actor: "supervisor", Subject: "runner", PID: 4242})
	history.Emit(ctx, sink, history.Event{Type: history.EventRestartRefused, Actor: "watchdog", Subject: "runner", Detail: "budget exhausted"})

	n, err := sink.Count(ctx, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
	n, _ = sink.Count(ctx, history.EventRestartRefused)
	if n != 1 {
		t.Fatalf("expected 1 refusal, got %d", n)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	e := history.Event{ID: "e-1", Type: history.EventTaskAssigned, OccurredAt: time.Now(), Actor: "pool", Subject: "runner-1", Detail: "task-42"}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := sink.Count(ctx, history.EventTaskAssigned)
	if err != nil || n != 1 {
		t.Fatalf("count=%d err=%v", n, err)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, history.Event{ID: "x", Type: history.EventTaskFailed, OccurredAt: time.Now()}); err == nil {
		t.Log("driver accepted insert on cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
