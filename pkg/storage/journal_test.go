package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/odvcencio/browserrelay/pkg/logging"
	"github.com/odvcencio/browserrelay/pkg/telemetry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestJournalSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []telemetry.Event{
		{Type: telemetry.EventSessionCreated, SessionID: "s1", Timestamp: base,
			Data: map[string]any{"url": "https://example.com/login", "viewport": "1280x720@1"}},
		{Type: telemetry.EventSessionAttached, SessionID: "s1", ConnID: "c1", Timestamp: base.Add(time.Second)},
		{Type: telemetry.EventSessionPreempted, SessionID: "s1", ConnID: "c1", Timestamp: base.Add(2 * time.Second)},
		{Type: telemetry.EventSessionAttached, SessionID: "s1", ConnID: "c2", Timestamp: base.Add(2 * time.Second)},
		{Type: telemetry.EventSessionDetached, SessionID: "s1", ConnID: "c2", Timestamp: base.Add(3 * time.Second)},
		{Type: telemetry.EventSessionClosing, SessionID: "s1", Timestamp: base.Add(4 * time.Second),
			Data: map[string]any{"reason": "idle"}},
		{Type: telemetry.EventSessionClosed, SessionID: "s1", Timestamp: base.Add(5 * time.Second),
			Data: map[string]any{"reason": "idle"}},
	}
	for _, ev := range events {
		if err := store.Record(ctx, ev); err != nil {
			t.Fatalf("record %s: %v", ev.Type, err)
		}
	}

	rec, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec == nil {
		t.Fatal("expected session record")
	}
	if rec.StartURL != "https://example.com/login" || rec.Viewport != "1280x720@1" {
		t.Fatalf("unexpected create fields: %+v", rec)
	}
	if rec.AttachCount != 2 || rec.PreemptCount != 1 || rec.DetachCount != 1 {
		t.Fatalf("unexpected counters: %+v", rec)
	}
	if rec.ClosedAt == nil || rec.CloseReason != "idle" {
		t.Fatalf("expected closed with reason idle, got %+v", rec)
	}
	if rec.LastEvent != string(telemetry.EventSessionClosed) {
		t.Fatalf("last event = %q", rec.LastEvent)
	}
	if !rec.CreatedAt.Equal(base) {
		t.Fatalf("created at = %v, want %v", rec.CreatedAt, base)
	}

	history, err := store.SessionEvents(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("session events: %v", err)
	}
	if len(history) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(history))
	}
	if history[0].Data["url"] != "https://example.com/login" {
		t.Fatalf("event data not round-tripped: %+v", history[0])
	}
	if history[1].ConnID != "c1" {
		t.Fatalf("conn id = %q", history[1].ConnID)
	}
}

func TestJournalClosingReasonKept(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionCreated, SessionID: "s2"})
	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionClosing, SessionID: "s2",
		Data: map[string]any{"reason": "capture failures"}})
	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionClosed, SessionID: "s2"})

	rec, err := store.GetSession(ctx, "s2")
	if err != nil || rec == nil {
		t.Fatalf("get session: %v %v", rec, err)
	}
	if rec.CloseReason != "capture failures" {
		t.Fatalf("close reason = %q", rec.CloseReason)
	}
}

func TestJournalIgnoresEventsWithoutSession(t *testing.T) {
	store := newTestStore(t)
	if err := store.Record(context.Background(), telemetry.Event{Type: telemetry.EventSessionCreated}); err != nil {
		t.Fatalf("record: %v", err)
	}
	list, err := store.ListSessions(context.Background(), 10, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no sessions, got %d", len(list))
	}
}

func TestGetSessionMissing(t *testing.T) {
	store := newTestStore(t)
	rec, err := store.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestListSessionsOpenOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionCreated, SessionID: "a", Timestamp: base})
	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionCreated, SessionID: "b", Timestamp: base.Add(time.Minute)})
	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionClosed, SessionID: "a", Timestamp: base.Add(2 * time.Minute)})

	all, err := store.ListSessions(ctx, 10, false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" {
		t.Fatalf("expected a (most recent event) first, got %+v", all)
	}

	open, err := store.ListSessions(ctx, 10, true)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].ID != "b" {
		t.Fatalf("expected only b open, got %+v", open)
	}
}

func TestCloseAbandoned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionCreated, SessionID: "left-open"})
	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionCreated, SessionID: "done"})
	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionClosed, SessionID: "done",
		Data: map[string]any{"reason": "destroyed"}})

	n, err := store.CloseAbandoned(ctx, time.Now())
	if err != nil {
		t.Fatalf("close abandoned: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 abandoned session, got %d", n)
	}
	rec, _ := store.GetSession(ctx, "left-open")
	if rec == nil || rec.ClosedAt == nil || rec.CloseReason != ReasonAbandoned {
		t.Fatalf("expected abandoned session closed, got %+v", rec)
	}
	done, _ := store.GetSession(ctx, "done")
	if done.CloseReason != "destroyed" {
		t.Fatalf("closed session should keep its reason, got %q", done.CloseReason)
	}
}

func TestPruneBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionCreated, SessionID: "old", Timestamp: old})
	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionClosed, SessionID: "old", Timestamp: old.Add(time.Hour)})
	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionCreated, SessionID: "new", Timestamp: recent})
	_ = store.Record(ctx, telemetry.Event{Type: telemetry.EventSessionClosed, SessionID: "new", Timestamp: recent.Add(time.Hour)})

	removed, err := store.PruneBefore(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if rec, _ := store.GetSession(ctx, "old"); rec != nil {
		t.Fatalf("old session should be pruned, got %+v", rec)
	}
	events, _ := store.SessionEvents(ctx, "old", 0)
	if len(events) != 0 {
		t.Fatalf("old events should be pruned, got %d", len(events))
	}
	if rec, _ := store.GetSession(ctx, "new"); rec == nil {
		t.Fatal("recent session should survive pruning")
	}
}

func TestRecorderJournalsHubEvents(t *testing.T) {
	store := newTestStore(t)
	hub := telemetry.NewHub()
	rec := NewRecorder(store, hub, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	// Wait until the recorder has subscribed.
	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.Publish(telemetry.Event{Type: telemetry.EventSessionCreated, SessionID: "hub-1",
			Data: map[string]any{"url": "about:blank"}})
		got, err := store.GetSession(context.Background(), "hub-1")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if got != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recorder never journaled the event")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("recorder did not stop")
	}
}

func TestStoreClosedOperations(t *testing.T) {
	var store *Store
	if err := store.Record(context.Background(), telemetry.Event{SessionID: "x"}); err != ErrStoreClosed {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := store.ListSessions(context.Background(), 1, false); err != ErrStoreClosed {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}
