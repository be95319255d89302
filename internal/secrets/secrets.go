// Package secrets stores encrypted credentials in the task store. Values are
// sealed with AES-GCM under a key derived from the operator's master key;
// plaintext never touches SQLite or the logs.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/mothlane/relayq/internal/persistence"
)

var (
	ErrNoMasterKey = errors.New("secrets master key is not configured")
	ErrExpired     = errors.New("secret has expired")
)

// kdfSalt is fixed: the master key is already high-entropy operator input,
// and a stable salt keeps ciphertexts decryptable across restarts without a
// separate salt row.
const kdfSalt = "relayq/secrets/v1"

type Service struct {
	store *persistence.Store
	aead  cipher.AEAD
}

// New derives the sealing key from masterKey via scrypt. An empty masterKey
// yields a service that fails closed on every call.
func New(store *persistence.Store, masterKey string) (*Service, error) {
	svc := &Service{store: store}
	if masterKey == "" {
		return svc, nil
	}

	key, err := scrypt.Key([]byte(masterKey), []byte(kdfSalt), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive secrets key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	svc.aead, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return svc, nil
}

// Enabled reports whether a master key was configured.
func (s *Service) Enabled() bool {
	return s.aead != nil
}

func (s *Service) Set(ctx context.Context, key string, scope persistence.SecretScope, userID, value, description string, expiresAt *time.Time) error {
	ciphertext, err := s.seal(value)
	if err != nil {
		return err
	}
	return s.store.PutSecret(ctx, persistence.SecretRow{
		Key:         key,
		Scope:       scope,
		UserID:      userID,
		Cipher:      ciphertext,
		Description: description,
		ExpiresAt:   expiresAt,
	})
}

func (s *Service) Get(ctx context.Context, key string, scope persistence.SecretScope, userID string) (string, error) {
	row, err := s.store.GetSecret(ctx, key, scope, userID)
	if err != nil {
		return "", err
	}
	if row.ExpiresAt != nil && row.ExpiresAt.Before(time.Now().UTC()) {
		return "", fmt.Errorf("secret %s: %w", key, ErrExpired)
	}
	return s.open(row.Cipher)
}

func (s *Service) Delete(ctx context.Context, key string, scope persistence.SecretScope, userID string) error {
	return s.store.DeleteSecret(ctx, key, scope, userID)
}

func (s *Service) List(ctx context.Context, scope persistence.SecretScope, userID string) ([]persistence.SecretRow, error) {
	return s.store.ListSecrets(ctx, scope, userID)
}

// ValuesFor decrypts the named platform-scope secrets for env injection into
// an executor. Unknown keys are an error: a task that names a secret expects
// it to exist.
func (s *Service) ValuesFor(ctx context.Context, keys []string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	for _, key := range keys {
		value, err := s.Get(ctx, key, persistence.SecretScopePlatform, "")
		if err != nil {
			return nil, err
		}
		values[key] = value
	}
	return values, nil
}

// Seal encrypts an arbitrary value for callers that store ciphertext
// elsewhere (identity credentials).
func (s *Service) Seal(value string) (string, error) {
	return s.seal(value)
}

// Open decrypts a value produced by Seal.
func (s *Service) Open(ciphertext string) (string, error) {
	return s.open(ciphertext)
}

func (s *Service) seal(value string) (string, error) {
	if s.aead == nil {
		return "", ErrNoMasterKey
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Service) open(ciphertext string) (string, error) {
	if s.aead == nil {
		return "", ErrNoMasterKey
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}
