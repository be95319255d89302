package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/mothlane/relayq/internal/bus"
	"github.com/mothlane/relayq/internal/eventlog"
	"github.com/mothlane/relayq/internal/executor"
	"github.com/mothlane/relayq/internal/otel"
	"github.com/mothlane/relayq/internal/persistence"
)

type funcExecutor func(ctx context.Context, task persistence.Task, emit executor.EmitFunc) (executor.Summary, error)

func (f funcExecutor) Execute(ctx context.Context, task persistence.Task, emit executor.EmitFunc) (executor.Summary, error) {
	return f(ctx, task, emit)
}

func testConfig() Config {
	return Config{
		WorkerCount:       2,
		PollInterval:      10 * time.Millisecond,
		TaskTimeout:       5 * time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		StaleAfter:        time.Hour,
		SweepInterval:     time.Hour,
	}
}

func newTestPool(t *testing.T, registry *executor.Registry) (*Pool, *persistence.Store, *eventlog.Log) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "worker.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	log := eventlog.New(store, nil, nil)
	pool := NewPool(store, log, registry, nil, testConfig())
	return pool, store, log
}

func waitForStatus(t *testing.T, store *persistence.Store, taskID string, want persistence.TaskStatus) persistence.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := store.GetTask(context.Background(), taskID)
	t.Fatalf("task never reached %s, stuck at %s", want, task.Status)
	return persistence.Task{}
}

func TestPool_ExecutesTask(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("echo", funcExecutor(func(ctx context.Context, task persistence.Task, emit executor.EmitFunc) (executor.Summary, error) {
		if err := emit(persistence.EventKindStart, map[string]any{}); err != nil {
			return executor.Summary{}, err
		}
		if err := emit(persistence.EventKindText, map[string]any{"content": "hi"}); err != nil {
			return executor.Summary{}, err
		}
		return executor.Summary{Output: "hi"}, nil
	}))

	pool, store, _ := newTestPool(t, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Type: "echo"})
	if err != nil {
		t.Fatal(err)
	}

	pool.Start(ctx)
	defer pool.Drain(time.Second)

	done := waitForStatus(t, store, task.ID, persistence.TaskStatusCompleted)
	if done.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", done.Attempt)
	}

	events, err := store.ListTaskEvents(ctx, task.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[len(events)-1].Kind != persistence.EventKindComplete {
		t.Fatalf("last event = %s, want complete", events[len(events)-1].Kind)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("gap at %d: seq=%d", i, ev.Seq)
		}
	}
}

func TestPool_FailTwiceThenSucceed(t *testing.T) {
	var calls atomic.Int32
	registry := executor.NewRegistry()
	registry.Register("flaky", funcExecutor(func(ctx context.Context, task persistence.Task, emit executor.EmitFunc) (executor.Summary, error) {
		if calls.Add(1) <= 2 {
			return executor.Summary{}, errors.New("transient")
		}
		return executor.Summary{Output: "finally"}, nil
	}))

	pool, store, _ := newTestPool(t, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Type: "flaky", MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}

	pool.Start(ctx)
	defer pool.Drain(time.Second)

	done := waitForStatus(t, store, task.ID, persistence.TaskStatusCompleted)
	if done.Attempt != 3 {
		t.Fatalf("attempt = %d, want 3", done.Attempt)
	}

	// Failed attempts that still have budget must not close the event log.
	events, err := store.ListTaskEvents(ctx, task.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range events {
		if ev.Kind == persistence.EventKindError {
			t.Fatalf("unexpected error event on a task that eventually completed")
		}
	}
	if events[len(events)-1].Kind != persistence.EventKindComplete {
		t.Fatalf("last event = %s", events[len(events)-1].Kind)
	}
}

func TestPool_ExhaustedAttemptsGoDead(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("doomed", funcExecutor(func(ctx context.Context, task persistence.Task, emit executor.EmitFunc) (executor.Summary, error) {
		return executor.Summary{}, errors.New("always broken")
	}))

	pool, store, _ := newTestPool(t, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Type: "doomed", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}

	pool.Start(ctx)
	defer pool.Drain(time.Second)

	done := waitForStatus(t, store, task.ID, persistence.TaskStatusDead)
	if done.LastError == "" {
		t.Fatal("dead task has no recorded error")
	}

	events, err := store.ListTaskEvents(ctx, task.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[len(events)-1].Kind != persistence.EventKindError {
		t.Fatalf("expected terminal error event, got %+v", events)
	}
}

func TestPool_PanicIsContained(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("panicky", funcExecutor(func(ctx context.Context, task persistence.Task, emit executor.EmitFunc) (executor.Summary, error) {
		panic("boom")
	}))

	pool, store, _ := newTestPool(t, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Type: "panicky", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}

	pool.Start(ctx)
	defer pool.Drain(time.Second)

	done := waitForStatus(t, store, task.ID, persistence.TaskStatusDead)
	if done.LastError == "" {
		t.Fatal("panic not recorded as task error")
	}
}

func TestPool_SavesAssistantMessage(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("agent", funcExecutor(func(ctx context.Context, task persistence.Task, emit executor.EmitFunc) (executor.Summary, error) {
		return executor.Summary{Output: "the answer", InputTokens: 4, OutputTokens: 2}, nil
	}))

	pool, store, _ := newTestPool(t, registry)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chat, err := store.CreateChat(ctx, persistence.CreateChatParams{})
	if err != nil {
		t.Fatal(err)
	}
	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Type: "agent", ChatID: chat.ID})
	if err != nil {
		t.Fatal(err)
	}

	pool.Start(ctx)
	defer pool.Drain(time.Second)

	waitForStatus(t, store, task.ID, persistence.TaskStatusCompleted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := store.ListMessages(ctx, chat.ID, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) == 1 {
			if msgs[0].Role != "assistant" || msgs[0].Content != "the answer" || msgs[0].OutputTokens != 2 {
				t.Fatalf("message = %+v", msgs[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("assistant message never saved")
}

func TestPool_UnregisteredTypeGoesDead(t *testing.T) {
	pool, store, _ := newTestPool(t, executor.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Type: "mystery", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}

	pool.Start(ctx)
	defer pool.Drain(time.Second)

	waitForStatus(t, store, task.ID, persistence.TaskStatusDead)
}

func TestPool_TimeoutFailsTask(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("slow", funcExecutor(func(ctx context.Context, task persistence.Task, emit executor.EmitFunc) (executor.Summary, error) {
		<-ctx.Done()
		return executor.Summary{}, ctx.Err()
	}))

	pool, store, _ := newTestPool(t, registry)
	cfg := testConfig()
	cfg.TaskTimeout = 50 * time.Millisecond
	pool.cfg = cfg

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Type: "slow", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}

	pool.Start(ctx)
	defer pool.Drain(2 * time.Second)

	done := waitForStatus(t, store, task.ID, persistence.TaskStatusDead)
	if done.LastError == "" {
		t.Fatal("timeout not recorded")
	}
}

func TestPool_StartupSweepRecoversOrphans(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("echo", funcExecutor(func(ctx context.Context, task persistence.Task, emit executor.EmitFunc) (executor.Summary, error) {
		return executor.Summary{Output: "ok"}, nil
	}))

	pool, store, _ := newTestPool(t, registry)
	cfg := testConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	pool.cfg = cfg

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Simulate a crashed worker: claim, then never heartbeat.
	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Type: "echo", MaxAttempts: 3})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNextPendingTask(ctx, "dead-worker"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	pool.Start(ctx)
	defer pool.Drain(time.Second)

	done := waitForStatus(t, store, task.ID, persistence.TaskStatusCompleted)
	if done.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2 (one charged to the crashed worker)", done.Attempt)
	}
}

func TestPool_ExecutionSpan(t *testing.T) {
	registry := executor.NewRegistry()
	registry.Register("echo", funcExecutor(func(ctx context.Context, task persistence.Task, emit executor.EmitFunc) (executor.Summary, error) {
		return executor.Summary{Output: "ok"}, nil
	}))

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	pool, store, _ := newTestPool(t, registry)
	cfg := testConfig()
	cfg.Tracer = tp.Tracer(otel.TracerName)
	pool.cfg = cfg
	pool.tracer = cfg.Tracer

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Type: "echo"})
	if err != nil {
		t.Fatal(err)
	}

	pool.Start(ctx)
	defer pool.Drain(time.Second)
	waitForStatus(t, store, task.ID, persistence.TaskStatusCompleted)

	var span sdktrace.ReadOnlySpan
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && span == nil {
		for _, s := range recorder.Ended() {
			if s.Name() == "task.execute" {
				span = s
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if span == nil {
		t.Fatal("no task.execute span recorded")
	}

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs[otel.AttrTaskID].AsString() != task.ID {
		t.Fatalf("task id attribute = %v", attrs[otel.AttrTaskID])
	}
	if attrs[otel.AttrTaskType].AsString() != "echo" {
		t.Fatalf("task type attribute = %v", attrs[otel.AttrTaskType])
	}
	if attrs[otel.AttrAttempt].AsInt64() != 1 {
		t.Fatalf("attempt attribute = %v", attrs[otel.AttrAttempt])
	}
	// The executor emits nothing, so the terminal complete event is seq 1
	// and its seq lands on the span.
	if got := attrs[otel.AttrEventSeq].AsInt64(); got != 1 {
		t.Fatalf("event seq attribute = %d, want 1", got)
	}
}

func TestPool_SweepDeadLetterMatchesLastError(t *testing.T) {
	pool, store, _ := newTestPool(t, executor.NewRegistry())
	cfg := testConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	pool.cfg = cfg

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One attempt, claimed by a worker that never heartbeats: the sweep
	// dead-letters it directly.
	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{Type: "echo", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNextPendingTask(ctx, "dead-worker"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	pool.sweep(ctx)

	done, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != persistence.TaskStatusDead || done.LastError == "" {
		t.Fatalf("task = %s last_error=%q, want dead with error", done.Status, done.LastError)
	}

	events, err := store.ListTaskEvents(ctx, task.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[len(events)-1].Kind != persistence.EventKindError {
		t.Fatalf("expected terminal error event, got %+v", events)
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal([]byte(events[len(events)-1].Payload), &payload); err != nil {
		t.Fatal(err)
	}
	// The event and the task row must report the same failure.
	if payload.Error != done.LastError {
		t.Fatalf("error event %q != last_error %q", payload.Error, done.LastError)
	}
}

func TestPool_DrainWaitsForIdle(t *testing.T) {
	pool, _, _ := newTestPool(t, executor.NewRegistry())
	ctx := context.Background()

	pool.Start(ctx)
	if !pool.Drain(2 * time.Second) {
		t.Fatal("drain timed out on an idle pool")
	}
}
