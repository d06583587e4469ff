package devserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCSRFTokenNotFound indicates the supplied token was never issued or was purged.
	ErrCSRFTokenNotFound = errors.New("csrf.not_found")
	// ErrCSRFTokenExpired indicates the token outlived its TTL.
	ErrCSRFTokenExpired = errors.New("csrf.expired")
)

// CSRFStore issues anti-forgery tokens that stay valid until their TTL passes.
type CSRFStore interface {
	Issue(ctx context.Context) (string, error)
	Validate(ctx context.Context, token string) error
}

type memoryCSRFStore struct {
	mutex     sync.Mutex
	entries   map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
	tokenSize int
}

// NewMemoryCSRFStore constructs an in-memory CSRFStore with the provided TTL.
func NewMemoryCSRFStore(ttl time.Duration) CSRFStore {
	return newMemoryCSRFStore(ttl, time.Now)
}

func newMemoryCSRFStore(ttl time.Duration, now func() time.Time) *memoryCSRFStore {
	return &memoryCSRFStore{
		entries:   make(map[string]time.Time),
		ttl:       ttl,
		now:       now,
		tokenSize: 32,
	}
}

func (store *memoryCSRFStore) Issue(ctx context.Context) (string, error) {
	token, err := store.randomToken()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[token] = store.now().Add(store.ttl)
	return token, nil
}

func (store *memoryCSRFStore) Validate(ctx context.Context, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiry, ok := store.entries[token]
	if !ok {
		return ErrCSRFTokenNotFound
	}
	if !store.now().Before(expiry) {
		delete(store.entries, token)
		return ErrCSRFTokenExpired
	}
	return nil
}

func (store *memoryCSRFStore) purgeExpiredLocked() {
	now := store.now()
	for token, expiry := range store.entries {
		if !now.Before(expiry) {
			delete(store.entries, token)
		}
	}
}

func (store *memoryCSRFStore) randomToken() (string, error) {
	buffer := make([]byte, store.tokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
