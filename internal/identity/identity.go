// Package identity manages platform accounts and the per-identity rate
// limits that keep outbound actions inside configured budgets. Counter state
// is persisted so limits survive restarts.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mothlane/relayq/internal/config"
	"github.com/mothlane/relayq/internal/persistence"
)

var (
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrNoIdentities = errors.New("no active identities for platform")
)

// Sealer encrypts identity credentials before they hit the store. The
// secrets service implements it.
type Sealer interface {
	Seal(value string) (string, error)
	Open(ciphertext string) (string, error)
}

type Service struct {
	store  *persistence.Store
	sealer Sealer // may be nil: credentials then stored only when empty
	limits map[string]config.RateLimitConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store *persistence.Store, sealer Sealer, limits map[string]config.RateLimitConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		sealer: sealer,
		limits: limits,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Register stores a new identity with its credential sealed.
func (s *Service) Register(ctx context.Context, platform, name, credential string) (persistence.Identity, error) {
	cipher := ""
	if credential != "" {
		if s.sealer == nil {
			return persistence.Identity{}, errors.New("cannot store a credential without a secrets master key")
		}
		var err error
		cipher, err = s.sealer.Seal(credential)
		if err != nil {
			return persistence.Identity{}, fmt.Errorf("seal credential: %w", err)
		}
	}
	return s.store.CreateIdentity(ctx, platform, name, cipher)
}

// Credential decrypts an identity's stored credential.
func (s *Service) Credential(ctx context.Context, id int64) (string, error) {
	ident, err := s.store.GetIdentity(ctx, id)
	if err != nil {
		return "", err
	}
	if ident.CredentialCipher == "" {
		return "", nil
	}
	if s.sealer == nil {
		return "", errors.New("cannot decrypt credential without a secrets master key")
	}
	return s.sealer.Open(ident.CredentialCipher)
}

// Acquire picks the least recently used active identity for the platform
// that still has budget for the action, charges the action against its
// counters, and returns it. Every active identity being over budget is
// ErrRateLimited.
func (s *Service) Acquire(ctx context.Context, platform, action string) (persistence.Identity, error) {
	idents, err := s.store.ListActiveIdentities(ctx, platform)
	if err != nil {
		return persistence.Identity{}, err
	}
	if len(idents) == 0 {
		return persistence.Identity{}, fmt.Errorf("%s: %w", platform, ErrNoIdentities)
	}

	limit, limited := s.limits[action]
	for _, ident := range idents {
		if limited {
			ok, err := s.charge(ctx, ident.ID, action, limit)
			if err != nil {
				return persistence.Identity{}, err
			}
			if !ok {
				continue
			}
		}
		if err := s.store.TouchIdentityUsed(ctx, ident.ID); err != nil {
			s.logger.Warn("touch identity failed", "identity", ident.ID, "err", err)
		}
		return ident, nil
	}
	return persistence.Identity{}, fmt.Errorf("%s/%s: %w", platform, action, ErrRateLimited)
}

// Check reports whether the identity has budget for the action without
// charging it.
func (s *Service) Check(ctx context.Context, identityID int64, action string) error {
	limit, limited := s.limits[action]
	if !limited {
		return nil
	}
	now := s.now()
	row, err := s.store.GetRateLimitRow(ctx, identityID, action, now.Format("2006-01-02"))
	if err != nil {
		return err
	}
	if limit.PerDay > 0 && row.DailyCount >= limit.PerDay {
		return fmt.Errorf("daily budget %d spent: %w", limit.PerDay, ErrRateLimited)
	}
	if limit.PerHour > 0 && countWithinHour(row.HourlyTimestamps, now) >= limit.PerHour {
		return fmt.Errorf("hourly budget %d spent: %w", limit.PerHour, ErrRateLimited)
	}
	return nil
}

// MarkBlocked takes an identity out of rotation.
func (s *Service) MarkBlocked(ctx context.Context, id int64, reason string) error {
	s.logger.Warn("blocking identity", "identity", id, "reason", reason)
	return s.store.BlockIdentity(ctx, id, reason)
}

// charge records one action if budget allows. The hourly window slides: only
// timestamps from the last hour count.
func (s *Service) charge(ctx context.Context, identityID int64, action string, limit config.RateLimitConfig) (bool, error) {
	now := s.now()
	day := now.Format("2006-01-02")
	row, err := s.store.GetRateLimitRow(ctx, identityID, action, day)
	if err != nil {
		return false, err
	}

	if limit.PerDay > 0 && row.DailyCount >= limit.PerDay {
		return false, nil
	}

	recent := pruneToHour(row.HourlyTimestamps, now)
	if limit.PerHour > 0 && len(recent) >= limit.PerHour {
		return false, nil
	}

	recent = append(recent, now)
	raw, err := json.Marshal(recent)
	if err != nil {
		return false, fmt.Errorf("marshal timestamps: %w", err)
	}
	row.HourlyTimestamps = string(raw)
	row.DailyCount++
	row.LastRequestAt = &now
	if err := s.store.SaveRateLimitRow(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

func pruneToHour(raw string, now time.Time) []time.Time {
	var stamps []time.Time
	if err := json.Unmarshal([]byte(raw), &stamps); err != nil {
		return nil
	}
	cutoff := now.Add(-time.Hour)
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

func countWithinHour(raw string, now time.Time) int {
	return len(pruneToHour(raw, now))
}
