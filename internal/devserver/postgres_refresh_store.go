package devserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/authstate/internal/dbdialect"
)

// PostgresRefreshTokenStore persists rotating refresh tokens in PostgreSQL through pgx.
type PostgresRefreshTokenStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresRefreshTokenStore builds a pool for databaseURL and ensures the schema.
func NewPostgresRefreshTokenStore(ctx context.Context, databaseURL string) (*PostgresRefreshTokenStore, error) {
	pool, err := dbdialect.BuildPool(ctx, databaseURL)
	if err != nil {
		return nil, refreshStoreError("open", "postgres", err)
	}
	if schemaErr := EnsurePostgresSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, refreshStoreError("migrate", "postgres", schemaErr)
	}
	return &PostgresRefreshTokenStore{pool: pool, now: time.Now}, nil
}

// EnsurePostgresSchema creates the refresh token table if it does not exist.
func EnsurePostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS refresh_tokens (
    token_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    token_hash TEXT NOT NULL UNIQUE,
    expires_unix BIGINT NOT NULL,
    revoked_at_unix BIGINT NOT NULL DEFAULT 0,
    previous_token_id TEXT NOT NULL DEFAULT '',
    issued_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens (user_id);
`)
	return err
}

// Driver exposes the selected database driver label.
func (store *PostgresRefreshTokenStore) Driver() string {
	return "postgres"
}

// Close releases the pool.
func (store *PostgresRefreshTokenStore) Close() error {
	store.pool.Close()
	return nil
}

// Issue inserts a new token row and returns token id and opaque token.
func (store *PostgresRefreshTokenStore) Issue(ctx context.Context, userID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", refreshStoreError("issue", "postgres", err)
	}
	tokenID := newRefreshTokenID()
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO refresh_tokens (token_id, user_id, token_hash, expires_unix, revoked_at_unix, previous_token_id, issued_at_unix)
VALUES ($1, $2, $3, $4, 0, $5, $6)
`, tokenID, userID, hashValue, expiresUnix, previousTokenID, store.now().UTC().Unix())
	if execErr != nil {
		return "", "", refreshStoreError("issue", "postgres", execErr)
	}
	return tokenID, opaque, nil
}

// Validate checks the opaque token and returns user, token id, and expiry.
func (store *PostgresRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, refreshStoreError("validate", "postgres", ErrRefreshTokenEmptyOpaque)
	}
	var userID string
	var tokenID string
	var expiresUnix int64
	var revokedAt int64
	row := store.pool.QueryRow(ctx, `
SELECT user_id, token_id, expires_unix, revoked_at_unix
FROM refresh_tokens
WHERE token_hash = $1
`, hashOpaque(tokenOpaque))
	if scanErr := row.Scan(&userID, &tokenID, &expiresUnix, &revokedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", "", 0, refreshStoreError("validate", "postgres", ErrRefreshTokenNotFound)
		}
		return "", "", 0, refreshStoreError("validate", "postgres", scanErr)
	}
	if revokedAt != 0 {
		return "", "", 0, refreshStoreError("validate", "postgres", ErrRefreshTokenRevoked)
	}
	if !time.Unix(expiresUnix, 0).After(store.now().UTC()) {
		return "", "", 0, refreshStoreError("validate", "postgres", ErrRefreshTokenExpired)
	}
	return userID, tokenID, expiresUnix, nil
}

// Revoke marks a token as revoked.
func (store *PostgresRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	tag, err := store.pool.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $1
WHERE token_id = $2 AND revoked_at_unix = 0
`, store.now().UTC().Unix(), tokenID)
	if err != nil {
		return refreshStoreError("revoke", "postgres", err)
	}
	if tag.RowsAffected() == 0 {
		return refreshStoreError("revoke", "postgres", ErrRefreshTokenNotFound)
	}
	return nil
}
