// Package persistence is the durable task store. SQLite is the single source
// of truth for tasks, execution events, chats and everything else the daemon
// keeps across restarts.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mothlane/relayq/internal/bus"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "rq-v1-2026-08-queue-streaming"

	defaultMaxAttempts = 3
)

// Sentinel errors surfaced across package boundaries. Callers branch with
// errors.Is; the HTTP layer maps them onto status codes.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrRetryExhausted    = errors.New("retry attempts exhausted")
	ErrStaleClaim        = errors.New("claim is stale or owned by another worker")
	ErrChatBusy          = errors.New("chat already has an active task")
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusDead      TaskStatus = "dead"
)

// allowedTransitions is the task state machine. completed is absorbing;
// dead leaves only through an explicit retry under the reset policy.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusPending: {
		TaskStatusClaimed: {},
	},
	TaskStatusClaimed: {
		TaskStatusRunning: {},
		TaskStatusPending: {}, // recovery requeue
		TaskStatusFailed:  {},
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusPending:   {}, // crash recovery requeue
	},
	TaskStatusFailed: {
		TaskStatusPending: {},
		TaskStatusDead:    {},
	},
	TaskStatusDead: {
		TaskStatusPending: {}, // retry with reset policy only
	},
}

func canTransition(from, to TaskStatus) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// IsTerminal reports whether a status admits no further worker-driven moves.
func IsTerminal(status TaskStatus) bool {
	return status == TaskStatusCompleted || status == TaskStatusDead
}

type Task struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Status      TaskStatus `json:"status"`
	ChatID      string     `json:"chat_id,omitempty"`
	Payload     string     `json:"payload"`
	Result      string     `json:"result,omitempty"`
	Owner       string     `json:"owner,omitempty"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskEvent is one row of a task's append-only execution log. Seq starts at 1
// and is gap-free within a task.
type TaskEvent struct {
	TaskID    string    `json:"task_id"`
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Execution event kinds. complete and error are terminal: at most one per
// task, always the last row.
const (
	EventKindStart    = "start"
	EventKindText     = "text"
	EventKindThinking = "thinking"
	EventKindToolUse  = "tool_use"
	EventKindComplete = "complete"
	EventKindError    = "error"
	EventKindNoTask   = "no_task" // wire-only sentinel, never stored
)

// IsTerminalEventKind reports whether kind closes a task's event log.
func IsTerminalEventKind(kind string) bool {
	return kind == EventKindComplete || kind == EventKindError
}

type FailureOutcome string

const (
	FailureOutcomeRequeued FailureOutcome = "requeued"
	FailureOutcomeDead     FailureOutcome = "dead"
)

// FailureDecision reports what FailTask did with the attempt budget.
type FailureDecision struct {
	Outcome     FailureOutcome `json:"outcome"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests

	defaultAttempts int
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relayq", "relayq.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Single writer connection. Claim safety relies on every transition
	// running as one serialized transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, defaultAttempts: defaultMaxAttempts}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// SetDefaultMaxAttempts overrides the attempt budget given to tasks created
// without an explicit max_attempts. Values below 1 are ignored.
func (s *Store) SetDefaultMaxAttempts(n int) {
	if n > 0 {
		s.defaultAttempts = n
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// Exponential backoff: 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL DEFAULT 'default',
			system_prompt TEXT NOT NULL DEFAULT '',
			workspace TEXT NOT NULL DEFAULT '',
			allowed_tools JSON NOT NULL DEFAULT '[]',
			max_turns INTEGER NOT NULL DEFAULT 50,
			metadata JSON NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL REFERENCES chats(id),
			role TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL DEFAULT 'agent',
			status TEXT NOT NULL CHECK(status IN ('pending', 'claimed', 'running', 'completed', 'failed', 'dead')),
			chat_id TEXT REFERENCES chats(id),
			payload JSON NOT NULL DEFAULT '{}',
			result JSON,
			owner TEXT,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			claimed_at DATETIME,
			heartbeat_at DATETIME,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			task_id TEXT NOT NULL REFERENCES tasks(id),
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload JSON NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (task_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			task_type TEXT NOT NULL DEFAULT 'agent',
			payload JSON NOT NULL DEFAULT '{}',
			chat_id TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS identities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			platform TEXT NOT NULL,
			name TEXT NOT NULL,
			credential_cipher TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'blocked')),
			blocked_at DATETIME,
			blocked_reason TEXT,
			last_used_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(platform, name)
		);`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identity_id INTEGER NOT NULL REFERENCES identities(id),
			action TEXT NOT NULL,
			day TEXT NOT NULL,
			hourly_timestamps JSON NOT NULL DEFAULT '[]',
			daily_count INTEGER NOT NULL DEFAULT 0,
			last_request_at DATETIME,
			UNIQUE(identity_id, action, day)
		);`,
		`CREATE TABLE IF NOT EXISTS secrets (
			key TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'platform' CHECK(scope IN ('platform', 'user')),
			user_id TEXT NOT NULL DEFAULT '',
			cipher TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (key, scope, user_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_chat_status ON tasks(chat_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_heartbeat ON tasks(status, heartbeat_at);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_seq ON messages(chat_id, sequence);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_enabled_next ON schedules(enabled, next_run_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var chatID, owner, result, lastErr sql.NullString
	var claimedAt, heartbeatAt, completedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &chatID, &t.Payload, &result, &owner,
		&t.Attempt, &t.MaxAttempts, &lastErr,
		&t.CreatedAt, &claimedAt, &heartbeatAt, &completedAt,
	)
	if err != nil {
		return Task{}, err
	}
	t.ChatID = chatID.String
	t.Owner = owner.String
	t.Result = result.String
	t.LastError = lastErr.String
	if claimedAt.Valid {
		t.ClaimedAt = &claimedAt.Time
	}
	if heartbeatAt.Valid {
		t.HeartbeatAt = &heartbeatAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

const taskColumns = `id, type, status, chat_id, payload, result, owner,
	attempt, max_attempts, last_error,
	created_at, claimed_at, heartbeat_at, completed_at`
