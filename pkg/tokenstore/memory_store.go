package tokenstore

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// MemoryStore keeps tokens in a standard cookie jar scoped to one origin.
// Instances sharing a MemoryStore observe each other's writes through Watch.
type MemoryStore struct {
	jar    *cookiejar.Jar
	origin *url.URL

	mutex       sync.Mutex
	subscribers map[chan Change]struct{}
}

// NewMemoryStore builds a store for the given origin, e.g. "https://app.example.com".
func NewMemoryStore(origin string) (*MemoryStore, error) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("tokenstore.memory.origin: invalid origin %q", origin)
	}
	parsed.Path = "/"
	jar, jarErr := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if jarErr != nil {
		return nil, fmt.Errorf("tokenstore.memory.jar: %w", jarErr)
	}
	return &MemoryStore{
		jar:         jar,
		origin:      parsed,
		subscribers: make(map[chan Change]struct{}),
	}, nil
}

// SetCookies implements http.CookieJar. Cookies for other origins are ignored.
func (store *MemoryStore) SetCookies(target *url.URL, cookies []*http.Cookie) {
	if target == nil || target.Host != store.origin.Host {
		return
	}
	store.jar.SetCookies(target, cookies)
	names := make([]string, 0, len(cookies))
	for _, cookie := range cookies {
		if cookie != nil {
			names = append(names, cookie.Name)
		}
	}
	store.notify(names)
}

// Cookies implements http.CookieJar.
func (store *MemoryStore) Cookies(target *url.URL) []*http.Cookie {
	return store.jar.Cookies(store.origin)
}

// Get returns the named token when present.
func (store *MemoryStore) Get(name string) (string, bool) {
	for _, cookie := range store.jar.Cookies(store.origin) {
		if cookie.Name == name && cookie.Value != "" {
			return cookie.Value, true
		}
	}
	return "", false
}

// Delete removes the named token.
func (store *MemoryStore) Delete(name string) error {
	if _, ok := store.Get(name); !ok {
		return nil
	}
	store.jar.SetCookies(store.origin, []*http.Cookie{expiredCookie(name)})
	store.notify([]string{name})
	return nil
}

// Watch streams writes made through this store until ctx is done.
func (store *MemoryStore) Watch(ctx context.Context) (<-chan Change, error) {
	changes := make(chan Change, 8)
	store.mutex.Lock()
	store.subscribers[changes] = struct{}{}
	store.mutex.Unlock()

	go func() {
		<-ctx.Done()
		store.mutex.Lock()
		delete(store.subscribers, changes)
		close(changes)
		store.mutex.Unlock()
	}()
	return changes, nil
}

func (store *MemoryStore) notify(names []string) {
	if len(names) == 0 {
		return
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for subscriber := range store.subscribers {
		select {
		case subscriber <- Change{Names: names, Origin: "memory"}:
		default:
		}
	}
}
