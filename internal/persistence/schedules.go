package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	TaskType  string     `json:"task_type"`
	Payload   string     `json:"payload"`
	ChatID    string     `json:"chat_id,omitempty"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type CreateScheduleParams struct {
	Name      string
	CronExpr  string
	TaskType  string
	Payload   string
	ChatID    string
	NextRunAt time.Time
}

func (s *Store) CreateSchedule(ctx context.Context, params CreateScheduleParams) (Schedule, error) {
	if params.TaskType == "" {
		params.TaskType = "agent"
	}
	if params.Payload == "" {
		params.Payload = "{}"
	}
	sched := Schedule{
		ID:        uuid.NewString(),
		Name:      params.Name,
		CronExpr:  params.CronExpr,
		TaskType:  params.TaskType,
		Payload:   params.Payload,
		ChatID:    params.ChatID,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if !params.NextRunAt.IsZero() {
		next := params.NextRunAt.UTC()
		sched.NextRunAt = &next
	}

	var chatID interface{}
	if sched.ChatID != "" {
		chatID = sched.ChatID
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, task_type, payload, chat_id, enabled, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?);
		`, sched.ID, sched.Name, sched.CronExpr, sched.TaskType, sched.Payload, chatID, sched.NextRunAt, sched.CreatedAt, sched.UpdatedAt)
		return err
	})
	if err != nil {
		return Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}
	return sched, nil
}

// DueSchedules returns enabled schedules whose next_run_at has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, task_type, payload, chat_id, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, task_type, payload, chat_id, enabled, next_run_at, last_run_at, created_at, updated_at
		FROM schedules ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// MarkScheduleRun records a firing and plans the next one.
func (s *Store) MarkScheduleRun(ctx context.Context, scheduleID string, ranAt, nextRunAt time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?;
		`, ranAt.UTC(), nextRunAt.UTC(), time.Now().UTC(), scheduleID)
		return err
	})
}

func (s *Store) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?;
		`, enabled, time.Now().UTC(), scheduleID)
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
		return fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	return nil
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var scheds []Schedule
	for rows.Next() {
		var sc Schedule
		var chatID sql.NullString
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.TaskType, &sc.Payload,
			&chatID, &sc.Enabled, &nextRun, &lastRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		sc.ChatID = chatID.String
		if nextRun.Valid {
			sc.NextRunAt = &nextRun.Time
		}
		if lastRun.Valid {
			sc.LastRunAt = &lastRun.Time
		}
		scheds = append(scheds, sc)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return scheds, nil
}
