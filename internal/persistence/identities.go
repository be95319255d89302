package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type IdentityStatus string

const (
	IdentityStatusActive  IdentityStatus = "active"
	IdentityStatusBlocked IdentityStatus = "blocked"
)

// Identity is a platform account tasks can act as. Credentials are stored
// encrypted; the secrets service owns the cipher.
type Identity struct {
	ID               int64          `json:"id"`
	Platform         string         `json:"platform"`
	Name             string         `json:"name"`
	CredentialCipher string         `json:"-"`
	Status           IdentityStatus `json:"status"`
	BlockedAt        *time.Time     `json:"blocked_at,omitempty"`
	BlockedReason    string         `json:"blocked_reason,omitempty"`
	LastUsedAt       *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

func (s *Store) CreateIdentity(ctx context.Context, platform, name, credentialCipher string) (Identity, error) {
	ident := Identity{
		Platform:  platform,
		Name:      name,
		Status:    IdentityStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO identities (platform, name, credential_cipher, status, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, platform, name, credentialCipher, IdentityStatusActive, ident.CreatedAt)
		if err != nil {
			return err
		}
		ident.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Identity{}, fmt.Errorf("insert identity: %w", err)
	}
	return ident, nil
}

func (s *Store) GetIdentity(ctx context.Context, id int64) (Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, platform, name, credential_cipher, status, blocked_at, blocked_reason, last_used_at, created_at
		FROM identities WHERE id = ?;
	`, id)
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, fmt.Errorf("identity %d: %w", id, ErrNotFound)
	}
	return ident, err
}

// ListActiveIdentities returns a platform's active identities, least
// recently used first.
func (s *Store) ListActiveIdentities(ctx context.Context, platform string) ([]Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform, name, credential_cipher, status, blocked_at, blocked_reason, last_used_at, created_at
		FROM identities WHERE platform = ? AND status = ?
		ORDER BY last_used_at ASC NULLS FIRST, id ASC;
	`, platform, IdentityStatusActive)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var idents []Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		idents = append(idents, ident)
	}
	return idents, rows.Err()
}

func (s *Store) TouchIdentityUsed(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE identities SET last_used_at = ? WHERE id = ?;
		`, time.Now().UTC(), id)
		return err
	})
}

func (s *Store) BlockIdentity(ctx context.Context, id int64, reason string) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE identities SET status = ?, blocked_at = ?, blocked_reason = ? WHERE id = ?;
		`, IdentityStatusBlocked, time.Now().UTC(), reason, id)
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
		return fmt.Errorf("identity %d: %w", id, ErrNotFound)
	}
	return nil
}

// RateLimitRow is the persisted counter state for one identity/action/day.
type RateLimitRow struct {
	ID               int64
	IdentityID       int64
	Action           string
	Day              string
	HourlyTimestamps string
	DailyCount       int
	LastRequestAt    *time.Time
}

// GetRateLimitRow loads the counter row, returning a zero-value row when the
// day has no activity yet.
func (s *Store) GetRateLimitRow(ctx context.Context, identityID int64, action, day string) (RateLimitRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, identity_id, action, day, hourly_timestamps, daily_count, last_request_at
		FROM rate_limits WHERE identity_id = ? AND action = ? AND day = ?;
	`, identityID, action, day)

	var r RateLimitRow
	var lastReq sql.NullTime
	err := row.Scan(&r.ID, &r.IdentityID, &r.Action, &r.Day, &r.HourlyTimestamps, &r.DailyCount, &lastReq)
	if errors.Is(err, sql.ErrNoRows) {
		return RateLimitRow{IdentityID: identityID, Action: action, Day: day, HourlyTimestamps: "[]"}, nil
	}
	if err != nil {
		return RateLimitRow{}, fmt.Errorf("get rate limit row: %w", err)
	}
	if lastReq.Valid {
		r.LastRequestAt = &lastReq.Time
	}
	return r, nil
}

// SaveRateLimitRow upserts the counter state after a granted request.
func (s *Store) SaveRateLimitRow(ctx context.Context, r RateLimitRow) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rate_limits (identity_id, action, day, hourly_timestamps, daily_count, last_request_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(identity_id, action, day)
			DO UPDATE SET hourly_timestamps = excluded.hourly_timestamps,
				daily_count = excluded.daily_count,
				last_request_at = excluded.last_request_at;
		`, r.IdentityID, r.Action, r.Day, r.HourlyTimestamps, r.DailyCount, r.LastRequestAt)
		return err
	})
}

func scanIdentity(row rowScanner) (Identity, error) {
	var ident Identity
	var blockedAt, lastUsed sql.NullTime
	var blockedReason sql.NullString
	err := row.Scan(&ident.ID, &ident.Platform, &ident.Name, &ident.CredentialCipher,
		&ident.Status, &blockedAt, &blockedReason, &lastUsed, &ident.CreatedAt)
	if err != nil {
		return Identity{}, err
	}
	if blockedAt.Valid {
		ident.BlockedAt = &blockedAt.Time
	}
	ident.BlockedReason = blockedReason.String
	if lastUsed.Valid {
		ident.LastUsedAt = &lastUsed.Time
	}
	return ident, nil
}
