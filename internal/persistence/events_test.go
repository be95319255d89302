package persistence

import (
	"context"
	"errors"
	"testing"
)

func seedTask(t *testing.T, store *Store) Task {
	t.Helper()
	task, err := store.CreateTask(context.Background(), CreateTaskParams{Type: "agent"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestAppendTaskEvent_SeqGapFree(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, store)

	kinds := []string{EventKindStart, EventKindText, EventKindThinking, EventKindToolUse, EventKindComplete}
	for i, kind := range kinds {
		ev, err := store.AppendTaskEvent(ctx, task.ID, kind, `{"turn":1}`)
		if err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
		if ev.Seq != int64(i+1) {
			t.Fatalf("seq = %d, want %d", ev.Seq, i+1)
		}
	}

	events, err := store.ListTaskEvents(ctx, task.ID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != len(kinds) {
		t.Fatalf("got %d events, want %d", len(events), len(kinds))
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.Kind != kinds[i] {
			t.Fatalf("event %d kind = %s, want %s", i, ev.Kind, kinds[i])
		}
	}
}

func TestAppendTaskEvent_TerminalClosesLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cases := []string{EventKindComplete, EventKindError}
	for _, terminal := range cases {
		task := seedTask(t, store)
		if _, err := store.AppendTaskEvent(ctx, task.ID, EventKindStart, "{}"); err != nil {
			t.Fatal(err)
		}
		if _, err := store.AppendTaskEvent(ctx, task.ID, terminal, "{}"); err != nil {
			t.Fatalf("append %s: %v", terminal, err)
		}
		if _, err := store.AppendTaskEvent(ctx, task.ID, EventKindText, "{}"); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("append after %s: expected ErrInvalidTransition, got %v", terminal, err)
		}
	}
}

func TestListTaskEvents_AfterSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, store)

	for i := 0; i < 5; i++ {
		if _, err := store.AppendTaskEvent(ctx, task.ID, EventKindText, "{}"); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.ListTaskEvents(ctx, task.ID, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Seq != 3 || events[2].Seq != 5 {
		t.Fatalf("unexpected range: first=%d last=%d", events[0].Seq, events[2].Seq)
	}
}

func TestListTaskEvents_Limit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, store)

	for i := 0; i < 4; i++ {
		store.AppendTaskEvent(ctx, task.ID, EventKindText, "{}")
	}
	events, err := store.ListTaskEvents(ctx, task.ID, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Seq != 2 {
		t.Fatalf("events = %+v", events)
	}
}

func TestLatestEventSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, store)

	seq, err := store.LatestEventSeq(ctx, task.ID)
	if err != nil || seq != 0 {
		t.Fatalf("empty log: seq=%d err=%v", seq, err)
	}
	store.AppendTaskEvent(ctx, task.ID, EventKindStart, "{}")
	store.AppendTaskEvent(ctx, task.ID, EventKindText, "{}")
	seq, err = store.LatestEventSeq(ctx, task.ID)
	if err != nil || seq != 2 {
		t.Fatalf("seq=%d err=%v, want 2", seq, err)
	}
}

func TestAppendTaskEvent_IsolatedPerTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := seedTask(t, store)
	b := seedTask(t, store)

	store.AppendTaskEvent(ctx, a.ID, EventKindStart, "{}")
	store.AppendTaskEvent(ctx, a.ID, EventKindText, "{}")
	ev, err := store.AppendTaskEvent(ctx, b.ID, EventKindStart, "{}")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 1 {
		t.Fatalf("task b first seq = %d, want 1", ev.Seq)
	}
}
