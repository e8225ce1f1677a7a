// Package auth implements API-key and JWT authentication, scope
// checks, and per-key rate limiting for the HTTP surface.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kpath-enterprise/kpath/pkg/models"
	"github.com/kpath-enterprise/kpath/pkg/observability"
)

// Scopes understood by the authorization layer.
const (
	ScopeSearch = "search"
	ScopeAdmin  = "admin"
)

const (
	keyPrefix     = "kpe_"
	keySecretLen  = 32
	keyAlphabet   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrInvalidCredentials is returned for any authentication failure. It
// deliberately never distinguishes a missing key from a revoked one.
var ErrInvalidCredentials = errors.New("invalid credentials")

// APIKey is a stored credential. The plaintext is never persisted.
type APIKey struct {
	ID         int64           `db:"id" json:"id"`
	KeyHash    string          `db:"key_hash" json:"-"`
	UserID     int64           `db:"user_id" json:"user_id"`
	Name       string          `db:"name" json:"name"`
	Scopes     models.JSONList `db:"scopes" json:"scopes"`
	RateLimit  int             `db:"rate_limit" json:"rate_limit"`
	Active     bool            `db:"active" json:"active"`
	ExpiresAt  *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	LastUsedAt *time.Time      `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// ScopeNames returns the key's scopes as strings.
func (k *APIKey) ScopeNames() []string {
	out := make([]string, 0, len(k.Scopes))
	for _, s := range k.Scopes {
		if name, ok := s.(string); ok {
			out = append(out, name)
		}
	}
	return out
}

// GenerateAPIKey returns a fresh plaintext key: the fixed prefix
// followed by 32 random alphanumerics.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, keySecretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	var b strings.Builder
	b.WriteString(keyPrefix)
	for _, c := range buf {
		b.WriteByte(keyAlphabet[int(c)%len(keyAlphabet)])
	}
	return b.String(), nil
}

// HashKey returns the SHA-256 hex digest under which a key is stored.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// ValidKeyFormat reports whether a presented credential even looks like
// one of ours, so obviously foreign tokens skip the database.
func ValidKeyFormat(plaintext string) bool {
	if !strings.HasPrefix(plaintext, keyPrefix) {
		return false
	}
	secret := plaintext[len(keyPrefix):]
	if len(secret) != keySecretLen {
		return false
	}
	for _, c := range secret {
		if !strings.ContainsRune(keyAlphabet, c) {
			return false
		}
	}
	return true
}

// KeyStore persists API keys.
type KeyStore struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewKeyStore creates a key store over the given database.
func NewKeyStore(db *sqlx.DB, logger observability.Logger) *KeyStore {
	if logger == nil {
		logger = observability.NewLogger("auth")
	}
	return &KeyStore{db: db, logger: logger}
}

// Create mints a key for a user and returns the plaintext exactly once.
func (s *KeyStore) Create(ctx context.Context, userID int64, name string, scopes []string, rateLimit int) (*APIKey, string, error) {
	plaintext, err := GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}

	scopeList := make(models.JSONList, len(scopes))
	for i, sc := range scopes {
		scopeList[i] = sc
	}

	key := &APIKey{
		KeyHash:   HashKey(plaintext),
		UserID:    userID,
		Name:      name,
		Scopes:    scopeList,
		RateLimit: rateLimit,
		Active:    true,
	}
	query := `
		INSERT INTO api_keys (key_hash, user_id, name, scopes, rate_limit, active)
		VALUES ($1, $2, $3, $4, $5, true)
		RETURNING id, created_at`
	if err := s.db.QueryRowxContext(ctx, query,
		key.KeyHash, key.UserID, key.Name, key.Scopes, key.RateLimit,
	).Scan(&key.ID, &key.CreatedAt); err != nil {
		return nil, "", fmt.Errorf("failed to create api key: %w", err)
	}

	s.logger.Info("Created API key", map[string]interface{}{
		"key_id":  key.ID,
		"user_id": userID,
		"name":    name,
	})
	return key, plaintext, nil
}

// Authenticate resolves a plaintext key to its active stored record.
func (s *KeyStore) Authenticate(ctx context.Context, plaintext string) (*APIKey, error) {
	if !ValidKeyFormat(plaintext) {
		return nil, ErrInvalidCredentials
	}

	var key APIKey
	query := `
		SELECT id, key_hash, user_id, name, scopes, rate_limit, active,
		       expires_at, last_used_at, created_at
		FROM api_keys
		WHERE key_hash = $1 AND active = true`
	if err := s.db.GetContext(ctx, &key, query, HashKey(plaintext)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrInvalidCredentials
	}

	// Last-use tracking is advisory; failures never block the request.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, key.ID); err != nil {
		s.logger.Debug("Failed to update key last_used_at", map[string]interface{}{
			"key_id": key.ID,
			"error":  err.Error(),
		})
	}
	return &key, nil
}

// Revoke deactivates a key. Idempotent.
func (s *KeyStore) Revoke(ctx context.Context, keyID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET active = false WHERE id = $1`, keyID); err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}
