package devserver

import (
	"context"
	"errors"
	"fmt"
)

// UserStore authenticates users and serves their current profile.
type UserStore interface {
	Authenticate(ctx context.Context, email string, password string) (User, error)
	Profile(ctx context.Context, userID string) (User, error)
}

// RefreshTokenStore manages long-lived rotating refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (userID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}

// Refresh token store failures. Every backend wraps them as
// refresh_store.<operation>.<backend> so logs name where a rejection came from.
var (
	ErrRefreshTokenNotFound       = errors.New("refresh_store.not_found")
	ErrRefreshTokenRevoked        = errors.New("refresh_store.revoked")
	ErrRefreshTokenExpired        = errors.New("refresh_store.expired")
	ErrRefreshTokenAlreadyRevoked = errors.New("refresh_store.already_revoked")
	ErrRefreshTokenEmptyOpaque    = errors.New("refresh_store.empty_token")
)

func refreshStoreError(operation string, backend string, reason error) error {
	return fmt.Errorf("refresh_store.%s.%s: %w", operation, backend, reason)
}

// refreshRejection classifies why a presented refresh token was refused.
// A revoked token presented again is reported as reuse.
func refreshRejection(reason error) string {
	switch {
	case errors.Is(reason, ErrRefreshTokenRevoked), errors.Is(reason, ErrRefreshTokenAlreadyRevoked):
		return "reused"
	case errors.Is(reason, ErrRefreshTokenExpired):
		return "expired"
	case errors.Is(reason, ErrRefreshTokenEmptyOpaque):
		return "missing"
	case errors.Is(reason, ErrRefreshTokenNotFound):
		return "unknown"
	default:
		return "error"
	}
}
