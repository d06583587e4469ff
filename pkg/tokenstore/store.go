// Package tokenstore persists the access and refresh tokens the server hands out as cookies.
//
// Every store is an http.CookieJar so the HTTP transport writes server-set
// cookies straight into it; client code only reads tokens back and deletes
// them. A store serves a single origin: cookies are returned for any URL.
package tokenstore

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Store reads and deletes named tokens. Absence is a normal state, not an error.
type Store interface {
	http.CookieJar
	Get(name string) (string, bool)
	Delete(name string) error
}

// Change reports token names that another writer modified.
type Change struct {
	Names  []string
	Origin string
}

// Watcher is implemented by stores that can observe writes made by other instances.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

type entry struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e entry) live(now time.Time) bool {
	if e.Value == "" {
		return false
	}
	return e.ExpiresAt.IsZero() || e.ExpiresAt.After(now)
}

// applyCookies folds Set-Cookie semantics into entries and returns the names that changed.
func applyCookies(entries map[string]entry, cookies []*http.Cookie, now time.Time) []string {
	var changed []string
	for _, cookie := range cookies {
		if cookie == nil || cookie.Name == "" {
			continue
		}
		expired := cookie.MaxAge < 0 ||
			cookie.Value == "" ||
			(!cookie.Expires.IsZero() && !cookie.Expires.After(now))
		if expired {
			if _, ok := entries[cookie.Name]; ok {
				delete(entries, cookie.Name)
				changed = append(changed, cookie.Name)
			}
			continue
		}
		next := entry{Value: cookie.Value}
		switch {
		case cookie.MaxAge > 0:
			next.ExpiresAt = now.Add(time.Duration(cookie.MaxAge) * time.Second).UTC()
		case !cookie.Expires.IsZero():
			next.ExpiresAt = cookie.Expires.UTC()
		}
		if previous, ok := entries[cookie.Name]; ok && previous == next {
			continue
		}
		entries[cookie.Name] = next
		changed = append(changed, cookie.Name)
	}
	return changed
}

func liveCookies(entries map[string]entry, now time.Time) []*http.Cookie {
	names := make([]string, 0, len(entries))
	for name, value := range entries {
		if value.live(now) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	cookies := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		cookies = append(cookies, &http.Cookie{Name: name, Value: entries[name].Value})
	}
	return cookies
}

func diffEntries(previous map[string]entry, current map[string]entry) []string {
	var names []string
	for name, value := range current {
		if old, ok := previous[name]; !ok || old != value {
			names = append(names, name)
		}
	}
	for name := range previous {
		if _, ok := current[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// expiredCookie is the deletion cookie matching the attributes tokens are issued with.
func expiredCookie(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
		SameSite: http.SameSiteStrictMode,
	}
}
