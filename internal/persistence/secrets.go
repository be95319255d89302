package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SecretScope string

const (
	SecretScopePlatform SecretScope = "platform"
	SecretScopeUser     SecretScope = "user"
)

// SecretRow holds an encrypted secret value. Ciphertext only; the secrets
// service owns encryption and never hands plaintext to this layer.
type SecretRow struct {
	Key         string      `json:"key"`
	Scope       SecretScope `json:"scope"`
	UserID      string      `json:"user_id,omitempty"`
	Cipher      string      `json:"-"`
	Description string      `json:"description,omitempty"`
	ExpiresAt   *time.Time  `json:"expires_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (s *Store) PutSecret(ctx context.Context, row SecretRow) error {
	if row.Scope == "" {
		row.Scope = SecretScopePlatform
	}
	now := time.Now().UTC()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO secrets (key, scope, user_id, cipher, description, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key, scope, user_id)
			DO UPDATE SET cipher = excluded.cipher,
				description = excluded.description,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at;
		`, row.Key, row.Scope, row.UserID, row.Cipher, row.Description, row.ExpiresAt, now, now)
		return err
	})
}

func (s *Store) GetSecret(ctx context.Context, key string, scope SecretScope, userID string) (SecretRow, error) {
	if scope == "" {
		scope = SecretScopePlatform
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT key, scope, user_id, cipher, description, expires_at, created_at, updated_at
		FROM secrets WHERE key = ? AND scope = ? AND user_id = ?;
	`, key, scope, userID)

	var sec SecretRow
	var expires sql.NullTime
	err := row.Scan(&sec.Key, &sec.Scope, &sec.UserID, &sec.Cipher, &sec.Description, &expires, &sec.CreatedAt, &sec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SecretRow{}, fmt.Errorf("secret %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return SecretRow{}, fmt.Errorf("get secret: %w", err)
	}
	if expires.Valid {
		sec.ExpiresAt = &expires.Time
	}
	return sec, nil
}

func (s *Store) DeleteSecret(ctx context.Context, key string, scope SecretScope, userID string) error {
	if scope == "" {
		scope = SecretScopePlatform
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM secrets WHERE key = ? AND scope = ? AND user_id = ?;
		`, key, scope, userID)
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
		return fmt.Errorf("secret %s: %w", key, ErrNotFound)
	}
	return nil
}

// ListSecrets returns secret metadata (never ciphertext) for a scope.
func (s *Store) ListSecrets(ctx context.Context, scope SecretScope, userID string) ([]SecretRow, error) {
	if scope == "" {
		scope = SecretScopePlatform
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, scope, user_id, description, expires_at, created_at, updated_at
		FROM secrets WHERE scope = ? AND user_id = ? ORDER BY key ASC;
	`, scope, userID)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []SecretRow
	for rows.Next() {
		var sec SecretRow
		var expires sql.NullTime
		if err := rows.Scan(&sec.Key, &sec.Scope, &sec.UserID, &sec.Description, &expires, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, err
		}
		if expires.Valid {
			sec.ExpiresAt = &expires.Time
		}
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}
