package auth

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpath-enterprise/kpath/pkg/observability"
)

func TestGenerateAPIKey_Format(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		key, err := GenerateAPIKey()
		require.NoError(t, err)
		assert.True(t, ValidKeyFormat(key), "generated key %q fails its own format check", key)
		assert.Len(t, key, len("kpe_")+32)
		assert.False(t, seen[key], "duplicate key generated")
		seen[key] = true
	}
}

func TestValidKeyFormat(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"kpe_abcdefghijklmnopqrstuvwxyz012345", true},
		{"kpe_ABCDEFGHIJKLMNOPQRSTUVWXYZ678901", true},
		{"", false},
		{"kpe_short", false},
		{"sk_abcdefghijklmnopqrstuvwxyz0123456", false},
		{"kpe_abcdefghijklmnopqrstuvwxyz01234!", false},
		{"kpe_abcdefghijklmnopqrstuvwxyz0123456", false}, // 33 chars
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidKeyFormat(tt.key), tt.key)
	}
}

func TestHashKey_StableAndOpaque(t *testing.T) {
	h := HashKey("kpe_abcdefghijklmnopqrstuvwxyz012345")
	assert.Equal(t, h, HashKey("kpe_abcdefghijklmnopqrstuvwxyz012345"))
	assert.Len(t, h, 64)
	assert.NotContains(t, h, "kpe_")
}

func newKeyStore(t *testing.T) (*KeyStore, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewKeyStore(db, observability.NewNoopLogger()), mock
}

func TestKeyStore_CreateReturnsPlaintextOnce(t *testing.T) {
	store, mock := newKeyStore(t)

	mock.ExpectQuery(`INSERT INTO api_keys`).
		WithArgs(sqlmock.AnyArg(), int64(42), "ci-pipeline", sqlmock.AnyArg(), 500).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), time.Now()))

	key, plaintext, err := store.Create(context.Background(), 42, "ci-pipeline", []string{ScopeSearch}, 500)
	require.NoError(t, err)

	assert.True(t, ValidKeyFormat(plaintext))
	assert.Equal(t, HashKey(plaintext), key.KeyHash)
	assert.Equal(t, int64(7), key.ID)
	assert.Equal(t, []string{ScopeSearch}, key.ScopeNames())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyStore_AuthenticateRejectsForeignFormatWithoutDB(t *testing.T) {
	store, mock := newKeyStore(t)

	_, err := store.Authenticate(context.Background(), "not-a-key")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyStore_AuthenticateUnknownKey(t *testing.T) {
	store, mock := newKeyStore(t)

	mock.ExpectQuery(`SELECT .+ FROM api_keys`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Authenticate(context.Background(), "kpe_abcdefghijklmnopqrstuvwxyz012345")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyStore_AuthenticateActiveKey(t *testing.T) {
	store, mock := newKeyStore(t)
	plaintext := "kpe_abcdefghijklmnopqrstuvwxyz012345"

	mock.ExpectQuery(`SELECT .+ FROM api_keys`).
		WithArgs(HashKey(plaintext)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "key_hash", "user_id", "name", "scopes", "rate_limit", "active",
			"expires_at", "last_used_at", "created_at",
		}).AddRow(int64(3), HashKey(plaintext), int64(42), "ci", []byte(`["search","admin"]`),
			1000, true, nil, nil, time.Now()))
	mock.ExpectExec(`UPDATE api_keys SET last_used_at`).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	key, err := store.Authenticate(context.Background(), plaintext)
	require.NoError(t, err)
	assert.Equal(t, int64(42), key.UserID)
	assert.ElementsMatch(t, []string{"search", "admin"}, key.ScopeNames())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKeyStore_AuthenticateExpiredKey(t *testing.T) {
	store, mock := newKeyStore(t)
	plaintext := "kpe_abcdefghijklmnopqrstuvwxyz012345"
	expired := time.Now().Add(-time.Hour)

	mock.ExpectQuery(`SELECT .+ FROM api_keys`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "key_hash", "user_id", "name", "scopes", "rate_limit", "active",
			"expires_at", "last_used_at", "created_at",
		}).AddRow(int64(3), HashKey(plaintext), int64(42), "ci", []byte(`["search"]`),
			1000, true, expired, nil, time.Now()))

	_, err := store.Authenticate(context.Background(), plaintext)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestKeyStore_Revoke(t *testing.T) {
	store, mock := newKeyStore(t)

	mock.ExpectExec(`UPDATE api_keys SET active = false`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Revoke(context.Background(), 9))
	require.NoError(t, mock.ExpectationsWereMet())
}
