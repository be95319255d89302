package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AppendTaskEvent appends one execution event to the task's log and returns
// its sequence number. Seq is assigned as MAX(seq)+1 inside the transaction,
// so the log is gap-free and strictly increasing from 1. A second terminal
// event is rejected: the log closes with exactly one complete or error row.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID, kind, payload string) (TaskEvent, error) {
	if payload == "" {
		payload = "{}"
	}
	var event TaskEvent
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var lastSeq int64
		var lastKind string
		row := tx.QueryRowContext(ctx, `
			SELECT seq, kind FROM task_events WHERE task_id = ? ORDER BY seq DESC LIMIT 1;
		`, taskID)
		switch err := row.Scan(&lastSeq, &lastKind); {
		case err == nil:
			if IsTerminalEventKind(lastKind) {
				return fmt.Errorf("append %s to task %s: log closed by %s at seq %d: %w",
					kind, taskID, lastKind, lastSeq, ErrInvalidTransition)
			}
		case errors.Is(err, sql.ErrNoRows):
			lastSeq = 0
		default:
			return err
		}

		event = TaskEvent{
			TaskID:    taskID,
			Seq:       lastSeq + 1,
			Kind:      kind,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, seq, kind, payload, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, event.TaskID, event.Seq, event.Kind, event.Payload, event.CreatedAt); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return TaskEvent{}, err
	}
	return event, nil
}

// ListTaskEvents returns events with seq > afterSeq in order. limit <= 0
// means no limit.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, afterSeq int64, limit int) ([]TaskEvent, error) {
	query := `
		SELECT task_id, seq, kind, payload, created_at FROM task_events
		WHERE task_id = ? AND seq > ? ORDER BY seq ASC`
	args := []interface{}{taskID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.TaskID, &ev.Seq, &ev.Kind, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestEventSeq returns the highest seq for a task, 0 when the log is empty.
func (s *Store) LatestEventSeq(ctx context.Context, taskID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM task_events WHERE task_id = ?;
	`, taskID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest event seq: %w", err)
	}
	return seq, nil
}
