package cron_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mothlane/relayq/internal/cron"
	"github.com/mothlane/relayq/internal/persistence"
)

// waitFor polls check until it passes or the deadline runs out.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "relayq.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertTestSchedule(t *testing.T, store *persistence.Store, cronExpr, payload string, enabled bool, nextRunAt time.Time) string {
	t.Helper()
	sched, err := store.CreateSchedule(context.Background(), persistence.CreateScheduleParams{
		Name:      "test-" + t.Name(),
		CronExpr:  cronExpr,
		TaskType:  "script",
		Payload:   payload,
		NextRunAt: nextRunAt,
	})
	if err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
	if !enabled {
		if err := store.SetScheduleEnabled(context.Background(), sched.ID, false); err != nil {
			t.Fatalf("disable schedule: %v", err)
		}
	}
	return sched.ID
}

func TestScheduler_FiresOnTime(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// A past next_run_at is due on the first tick.
	past := time.Now().Add(-5 * time.Minute)
	insertTestSchedule(t, store, "*/5 * * * *", `{"command":"echo"}`, true, past)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	// Poll until the scheduler fires and creates a task.
	waitFor(t, 3*time.Second, func() bool {
		tasks, err := store.ListTasks(ctx, persistence.TaskStatusPending, 10)
		return err == nil && len(tasks) > 0
	})
}

func TestScheduler_DisabledSkipped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Disabled schedule should NOT fire even with past next_run_at.
	past := time.Now().Add(-5 * time.Minute)
	insertTestSchedule(t, store, "*/5 * * * *", `{"command":"nope"}`, false, past)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)

	// Asserting a negative needs a few ticks to have elapsed.
	time.Sleep(200 * time.Millisecond)
	sched.Stop()

	tasks, err := store.ListTasks(ctx, persistence.TaskStatusPending, 10)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected 0 tasks for disabled schedule, got %d", len(tasks))
	}
}

func TestScheduler_EnqueuesTask(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	payload := `{"command":"run-report","args":["daily"]}`
	past := time.Now().Add(-1 * time.Minute)
	insertTestSchedule(t, store, "0 9 * * *", payload, true, past)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	// Poll until the task is enqueued.
	var tasks []persistence.Task
	waitFor(t, 3*time.Second, func() bool {
		var err error
		tasks, err = store.ListTasks(ctx, persistence.TaskStatusPending, 10)
		return err == nil && len(tasks) > 0
	})

	task := tasks[0]
	if task.Type != "script" {
		t.Fatalf("expected type=script, got %s", task.Type)
	}
	if task.Payload != payload {
		t.Fatalf("expected payload=%s, got %s", payload, task.Payload)
	}
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("expected status=%s, got %s", persistence.TaskStatusPending, task.Status)
	}
}

func TestScheduler_NextRunUpdated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-1 * time.Minute)
	schedID := insertTestSchedule(t, store, "*/10 * * * *", `{"command":"tick"}`, true, past)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	// Poll until last_run_at is set (schedule has fired).
	var found *persistence.Schedule
	waitFor(t, 3*time.Second, func() bool {
		schedules, err := store.ListSchedules(ctx)
		if err != nil {
			return false
		}
		for i := range schedules {
			if schedules[i].ID == schedID && schedules[i].LastRunAt != nil {
				found = &schedules[i]
				return true
			}
		}
		return false
	})

	if found.NextRunAt == nil {
		t.Fatal("expected next_run_at to be set after firing")
	}

	// The next run should be in the future (after the original past time).
	if !found.NextRunAt.After(past) {
		t.Fatalf("expected next_run_at (%v) to be after original past time (%v)", found.NextRunAt, past)
	}

	// Verify next_run_at is roughly aligned to a 10-minute boundary.
	if found.NextRunAt.Minute()%10 != 0 {
		t.Fatalf("expected next_run_at minute to be a multiple of 10, got %d", found.NextRunAt.Minute())
	}
}

func TestScheduler_PlanRejectsBadExpression(t *testing.T) {
	store := openTestStore(t)
	sched := cron.NewScheduler(cron.Config{Store: store})

	_, err := sched.Plan(context.Background(), persistence.CreateScheduleParams{
		Name:     "broken",
		CronExpr: "not a cron expr",
	})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := cron.NextRunTime("bogus", after); err == nil {
		t.Fatal("expected parse error")
	}
}
