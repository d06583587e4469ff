package devserver

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	byID   map[string]*memoryRecord
	byHash map[string]string
	now    func() time.Time
}

type memoryRecord struct {
	TokenID         string
	UserID          string
	Hash            string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
	IssuedAtUnix    int64
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		byID:   make(map[string]*memoryRecord),
		byHash: make(map[string]string),
		now:    time.Now,
	}
}

// Issue creates a new token, optionally linked to a previous token.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, userID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", refreshStoreError("issue", "memory", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID := newRefreshTokenID()
	store.byID[tokenID] = &memoryRecord{
		TokenID:         tokenID,
		UserID:          userID,
		Hash:            hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    store.now().UTC().Unix(),
	}
	store.byHash[hashValue] = tokenID
	return tokenID, opaque, nil
}

// Validate checks the opaque token and returns user, token id, and expiry.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, refreshStoreError("validate", "memory", ErrRefreshTokenEmptyOpaque)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return "", "", 0, refreshStoreError("validate", "memory", ErrRefreshTokenNotFound)
	}
	record := store.byID[tokenID]
	if record == nil {
		return "", "", 0, refreshStoreError("validate", "memory", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return "", "", 0, refreshStoreError("validate", "memory", ErrRefreshTokenRevoked)
	}
	if !time.Unix(record.ExpiresUnix, 0).After(store.now().UTC()) {
		return "", "", 0, refreshStoreError("validate", "memory", ErrRefreshTokenExpired)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a token as revoked.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[tokenID]
	if record == nil {
		return refreshStoreError("revoke", "memory", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return refreshStoreError("revoke", "memory", ErrRefreshTokenAlreadyRevoked)
	}
	record.RevokedAtUnix = store.now().UTC().Unix()
	return nil
}
