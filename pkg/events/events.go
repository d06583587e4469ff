// Package events is a typed, synchronous pub/sub bus for auth and session notifications.
package events

import (
	"strings"
	"time"
)

// Name identifies an event. Names are namespaced by domain: "auth:*", "session:*".
type Name string

const (
	AuthStateChanged   Name = "auth:state-changed"
	AuthLoginSuccess   Name = "auth:login-success"
	AuthLoginError     Name = "auth:login-error"
	AuthLogoutSuccess  Name = "auth:logout-success"
	AuthSessionExpired Name = "auth:session-expired"
	AuthTokenRefreshed Name = "auth:token-refreshed"
	AuthReady          Name = "auth:ready"
	SessionWarning     Name = "session:warning"
)

// Namespace returns the part of the name before the first colon.
func (name Name) Namespace() string {
	namespace, _, found := strings.Cut(string(name), ":")
	if !found {
		return ""
	}
	return namespace
}

// Event is the closed set of payloads the bus carries. Handlers switch on the concrete type.
type Event interface {
	EventName() Name
	sealed()
}

// StateChanged is emitted whenever {authenticated, user, role} changes.
type StateChanged struct {
	Authenticated bool
	UserID        string
	Role          string
}

// LoginSuccess is emitted once per successful login.
type LoginSuccess struct {
	UserID string
	Name   string
	Email  string
	Role   string
}

// LoginError carries the normalized login failure.
type LoginError struct {
	Type    string
	Message string
	Status  int
}

// LogoutSuccess is emitted after local cleanup on logout.
type LogoutSuccess struct {
	UserID string
}

// SessionExpired is emitted when the session ends without a user-initiated logout.
type SessionExpired struct {
	Type    string
	Message string
	Status  int
}

// TokenRefreshed is emitted after a successful refresh.
type TokenRefreshed struct {
	ExpiresAt time.Time
}

// Ready is emitted once the service finished initialization.
type Ready struct {
	Authenticated bool
}

// Warning is emitted once per approaching inactivity timeout.
type Warning struct {
	Remaining   time.Duration
	InactiveFor time.Duration
}

func (StateChanged) EventName() Name   { return AuthStateChanged }
func (LoginSuccess) EventName() Name   { return AuthLoginSuccess }
func (LoginError) EventName() Name     { return AuthLoginError }
func (LogoutSuccess) EventName() Name  { return AuthLogoutSuccess }
func (SessionExpired) EventName() Name { return AuthSessionExpired }
func (TokenRefreshed) EventName() Name { return AuthTokenRefreshed }
func (Ready) EventName() Name          { return AuthReady }
func (Warning) EventName() Name        { return SessionWarning }

func (StateChanged) sealed()   {}
func (LoginSuccess) sealed()   {}
func (LoginError) sealed()     {}
func (LogoutSuccess) sealed()  {}
func (SessionExpired) sealed() {}
func (TokenRefreshed) sealed() {}
func (Ready) sealed()          {}
func (Warning) sealed()        {}
