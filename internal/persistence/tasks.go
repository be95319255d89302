package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mothlane/relayq/internal/bus"
)

// CreateTaskParams describes a new task. Payload must be a JSON object;
// MaxAttempts <= 0 falls back to the store default.
type CreateTaskParams struct {
	Type        string
	Payload     string
	MaxAttempts int
	ChatID      string
}

func (s *Store) CreateTask(ctx context.Context, params CreateTaskParams) (Task, error) {
	if params.Type == "" {
		params.Type = "agent"
	}
	if params.Payload == "" {
		params.Payload = "{}"
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = s.defaultAttempts
	}

	task := Task{
		ID:          uuid.NewString(),
		Type:        params.Type,
		Status:      TaskStatusPending,
		ChatID:      params.ChatID,
		Payload:     params.Payload,
		MaxAttempts: params.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}

	var chatID interface{}
	if task.ChatID != "" {
		chatID = task.ChatID
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, type, status, chat_id, payload, max_attempts, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.Type, task.Status, chatID, task.Payload, task.MaxAttempts, task.CreatedAt)
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}

	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    task.ID,
		ChatID:    task.ChatID,
		NewStatus: string(TaskStatusPending),
	})
	return task, nil
}

// ClaimNextPendingTask atomically moves the oldest pending task to claimed
// for the given owner and charges one attempt. Returns nil when nothing is
// claimable. The status-guarded UPDATE plus the single writer connection
// guarantee at most one claimer per task, so a lost race surfaces as zero
// rows affected and the loop moves on to the next candidate.
func (s *Store) ClaimNextPendingTask(ctx context.Context, owner string) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for range 5 {
			row := tx.QueryRowContext(ctx, `
				SELECT `+taskColumns+` FROM tasks
				WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1;
			`, TaskStatusPending)
			task, err := scanTask(row)
			if errors.Is(err, sql.ErrNoRows) {
				claimed = nil
				return tx.Commit()
			}
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = ?, owner = ?, attempt = attempt + 1, claimed_at = ?, heartbeat_at = ?
				WHERE id = ? AND status = ?;
			`, TaskStatusClaimed, owner, now, now, task.ID, TaskStatusPending)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				// Another claimer won; try the next candidate.
				continue
			}

			task.Status = TaskStatusClaimed
			task.Owner = owner
			task.Attempt++
			task.ClaimedAt = &now
			task.HeartbeatAt = &now
			claimed = &task
			return tx.Commit()
		}
		claimed = nil
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	if claimed != nil {
		s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    claimed.ID,
			ChatID:    claimed.ChatID,
			OldStatus: string(TaskStatusPending),
			NewStatus: string(TaskStatusClaimed),
		})
	}
	return claimed, nil
}

// StartTask moves claimed -> running for the owning worker.
func (s *Store) StartTask(ctx context.Context, taskID, owner string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != TaskStatusClaimed {
			return fmt.Errorf("start task %s from %s: %w", taskID, task.Status, ErrInvalidTransition)
		}
		if task.Owner != owner {
			return fmt.Errorf("start task %s: owner %q is not %q: %w", taskID, task.Owner, owner, ErrStaleClaim)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, heartbeat_at = ? WHERE id = ? AND status = ?;
		`, TaskStatusRunning, time.Now().UTC(), taskID, TaskStatusClaimed); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: string(TaskStatusClaimed),
		NewStatus: string(TaskStatusRunning),
	})
	return nil
}

// CompleteTask moves running -> completed and records the result summary.
// Completing an already-completed task is a no-op.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	if result == "" {
		result = "{}"
	}
	var alreadyDone bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status == TaskStatusCompleted {
			alreadyDone = true
			return tx.Commit()
		}
		if !canTransition(task.Status, TaskStatusCompleted) {
			return fmt.Errorf("complete task %s from %s: %w", taskID, task.Status, ErrInvalidTransition)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, completed_at = ?, last_error = NULL
			WHERE id = ? AND status = ?;
		`, TaskStatusCompleted, result, time.Now().UTC(), taskID, task.Status); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if alreadyDone {
		return nil
	}

	s.publish(bus.TopicTaskCompleted, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: string(TaskStatusRunning),
		NewStatus: string(TaskStatusCompleted),
	})
	return nil
}

// FailTask records an execution failure. The task passes through failed and
// is either re-queued for another attempt or moved to dead once the attempt
// budget is spent.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) (FailureDecision, error) {
	var decision FailureDecision
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !canTransition(task.Status, TaskStatusFailed) {
			return fmt.Errorf("fail task %s from %s: %w", taskID, task.Status, ErrInvalidTransition)
		}

		decision = FailureDecision{
			Attempt:     task.Attempt,
			MaxAttempts: task.MaxAttempts,
		}
		next := TaskStatusPending
		if task.Attempt >= task.MaxAttempts {
			next = TaskStatusDead
			decision.Outcome = FailureOutcomeDead
		} else {
			decision.Outcome = FailureOutcomeRequeued
		}

		if next == TaskStatusDead {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, last_error = ?, owner = NULL, completed_at = ?
				WHERE id = ? AND status = ?;
			`, TaskStatusDead, errMsg, time.Now().UTC(), taskID, task.Status); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, last_error = ?, owner = NULL, claimed_at = NULL, heartbeat_at = NULL
				WHERE id = ? AND status = ?;
			`, TaskStatusPending, errMsg, taskID, task.Status); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return FailureDecision{}, err
	}

	s.publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		OldStatus: string(TaskStatusRunning),
		NewStatus: string(TaskStatusFailed),
	})
	switch decision.Outcome {
	case FailureOutcomeDead:
		s.publish(bus.TopicTaskDead, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			OldStatus: string(TaskStatusFailed),
			NewStatus: string(TaskStatusDead),
		})
	default:
		s.publish(bus.TopicTaskRetrying, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			OldStatus: string(TaskStatusFailed),
			NewStatus: string(TaskStatusPending),
		})
	}
	return decision, nil
}

// RetryTask explicitly re-queues a failed or dead task. Under the preserve
// policy a spent attempt budget returns ErrRetryExhausted; the reset policy
// zeroes the counter, which also revives dead tasks.
func (s *Store) RetryTask(ctx context.Context, taskID string, resetAttempts bool) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != TaskStatusFailed && task.Status != TaskStatusDead {
			return fmt.Errorf("retry task %s from %s: %w", taskID, task.Status, ErrInvalidTransition)
		}
		if !resetAttempts && task.Attempt >= task.MaxAttempts {
			return fmt.Errorf("retry task %s: attempt %d of %d: %w", taskID, task.Attempt, task.MaxAttempts, ErrRetryExhausted)
		}

		attempt := task.Attempt
		if resetAttempts {
			attempt = 0
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, attempt = ?, owner = NULL, claimed_at = NULL, heartbeat_at = NULL, completed_at = NULL
			WHERE id = ? AND status = ?;
		`, TaskStatusPending, attempt, taskID, task.Status); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	s.publish(bus.TopicTaskRetrying, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		NewStatus: string(TaskStatusPending),
	})
	return nil
}

// HeartbeatTask extends the liveness stamp for a claimed/running task. The
// owner guard means a worker whose claim was swept cannot resurrect it.
func (s *Store) HeartbeatTask(ctx context.Context, taskID, owner string) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET heartbeat_at = ?
			WHERE id = ? AND owner = ? AND status IN (?, ?);
		`, time.Now().UTC(), taskID, owner, TaskStatusClaimed, TaskStatusRunning)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("heartbeat task %s for %s: %w", taskID, owner, ErrStaleClaim)
	}
	return nil
}

// StaleSweepResult lists what a recovery sweep did.
type StaleSweepResult struct {
	Requeued []string
	Dead     []DeadStaleTask
}

// DeadStaleTask is a task the sweep dead-lettered. Reason is the message
// written to last_error; the caller reuses it for the terminal error event
// so both surfaces tell the same story.
type DeadStaleTask struct {
	ID     string
	Reason string
}

// RequeueStaleTasks recovers tasks whose worker stopped heartbeating (crash,
// kill, partition). A stale claim counts as a failed attempt: below the
// attempt budget the task returns to pending, at the budget it goes dead.
func (s *Store) RequeueStaleTasks(ctx context.Context, staleAfter time.Duration) (StaleSweepResult, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	var result StaleSweepResult

	err := retryOnBusy(ctx, 5, func() error {
		result = StaleSweepResult{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status IN (?, ?) AND COALESCE(heartbeat_at, claimed_at, created_at) <= ?;
		`, TaskStatusClaimed, TaskStatusRunning, cutoff)
		if err != nil {
			return err
		}
		var stale []Task
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, task)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, task := range stale {
			reason := fmt.Sprintf("stale claim: no heartbeat from %s within %s", task.Owner, staleAfter)
			if task.Attempt >= task.MaxAttempts {
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET status = ?, last_error = ?, owner = NULL, completed_at = ?
					WHERE id = ? AND status = ?;
				`, TaskStatusDead, reason, now, task.ID, task.Status); err != nil {
					return err
				}
				result.Dead = append(result.Dead, DeadStaleTask{ID: task.ID, Reason: reason})
			} else {
				if _, err := tx.ExecContext(ctx, `
					UPDATE tasks SET status = ?, last_error = ?, owner = NULL, claimed_at = NULL, heartbeat_at = NULL
					WHERE id = ? AND status = ?;
				`, TaskStatusPending, reason, task.ID, task.Status); err != nil {
					return err
				}
				result.Requeued = append(result.Requeued, task.ID)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return StaleSweepResult{}, fmt.Errorf("requeue stale tasks: %w", err)
	}

	for _, id := range result.Requeued {
		s.publish(bus.TopicTaskRetrying, bus.TaskStateChangedEvent{TaskID: id, NewStatus: string(TaskStatusPending)})
	}
	for _, d := range result.Dead {
		s.publish(bus.TopicTaskDead, bus.TaskStateChangedEvent{TaskID: d.ID, NewStatus: string(TaskStatusDead)})
	}
	return result, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
// limit <= 0 means 100.
func (s *Store) ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ActiveTaskForChat returns the chat's pending/claimed/running task, or nil.
func (s *Store) ActiveTaskForChat(ctx context.Context, chatID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE chat_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1;
	`, chatID, TaskStatusPending, TaskStatusClaimed, TaskStatusRunning)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active task for chat: %w", err)
	}
	return &task, nil
}

// TaskCounts reports row counts per status for health reporting.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("task counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return task, err
}
