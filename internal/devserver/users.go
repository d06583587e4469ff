package devserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tyemirov/authstate/pkg/roles"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned for an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("users.invalid_credentials")
	// ErrUserProfileNotFound is returned when a profile is missing in the store.
	ErrUserProfileNotFound = errors.New("users.profile_not_found")
	// ErrInvalidSeedUser is returned for malformed email:password:role entries.
	ErrInvalidSeedUser = errors.New("users.invalid_seed")
	// ErrDuplicateUser is returned when the email is already registered.
	ErrDuplicateUser = errors.New("users.duplicate")
)

// User is an application account as served to clients.
type User struct {
	ID          string
	Email       string
	Name        string
	Role        roles.Role
	Permissions []string
}

// SeedUser is a user declared in configuration.
type SeedUser struct {
	Email    string
	Password string
	Role     roles.Role
}

var rolePermissions = map[roles.Role][]string{
	roles.Guest:      {},
	roles.User:       {"profile.view"},
	roles.Moderator:  {"profile.view", "content.moderate"},
	roles.Admin:      {"profile.view", "content.moderate", "users.view", "users.edit"},
	roles.SuperAdmin: {"profile.view", "content.moderate", "users.view", "users.edit", "system.configure"},
}

// PermissionsForRole returns the permissions granted to role.
func PermissionsForRole(role roles.Role) []string {
	return append([]string(nil), rolePermissions[role]...)
}

// ParseSeedUser parses "email:password:role". The role defaults to user.
func ParseSeedUser(specification string) (SeedUser, error) {
	parts := strings.Split(strings.TrimSpace(specification), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return SeedUser{}, fmt.Errorf("%w: expected email:password[:role]", ErrInvalidSeedUser)
	}
	email := strings.ToLower(strings.TrimSpace(parts[0]))
	if !strings.Contains(email, "@") {
		return SeedUser{}, fmt.Errorf("%w: %q is not an email", ErrInvalidSeedUser, parts[0])
	}
	if parts[1] == "" {
		return SeedUser{}, fmt.Errorf("%w: empty password for %s", ErrInvalidSeedUser, email)
	}
	role := roles.User
	if len(parts) == 3 {
		role = roles.Parse(parts[2])
		if role == roles.Unknown {
			return SeedUser{}, fmt.Errorf("%w: unknown role %q", ErrInvalidSeedUser, parts[2])
		}
	}
	return SeedUser{Email: email, Password: parts[1], Role: role}, nil
}

type userRecord struct {
	user         User
	passwordHash []byte
}

// InMemoryUsers keeps bcrypt-hashed accounts in memory.
type InMemoryUsers struct {
	mutex   sync.RWMutex
	byEmail map[string]*userRecord
	byID    map[string]*userRecord
	cost    int
}

// NewInMemoryUsers constructs an empty store. A non-positive cost selects bcrypt.DefaultCost.
func NewInMemoryUsers(cost int) *InMemoryUsers {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &InMemoryUsers{
		byEmail: make(map[string]*userRecord),
		byID:    make(map[string]*userRecord),
		cost:    cost,
	}
}

// Add registers a user and returns it with its generated id.
func (store *InMemoryUsers) Add(seed SeedUser) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(seed.Password), store.cost)
	if err != nil {
		return User{}, fmt.Errorf("users.hash: %w", err)
	}
	email := strings.ToLower(strings.TrimSpace(seed.Email))
	user := User{
		ID:          uuid.NewString(),
		Email:       email,
		Name:        strings.SplitN(email, "@", 2)[0],
		Role:        seed.Role,
		Permissions: PermissionsForRole(seed.Role),
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byEmail[email]; exists {
		return User{}, fmt.Errorf("%w: %s", ErrDuplicateUser, email)
	}
	record := &userRecord{user: user, passwordHash: hash}
	store.byEmail[email] = record
	store.byID[user.ID] = record
	return user, nil
}

// Authenticate checks the password for email.
func (store *InMemoryUsers) Authenticate(ctx context.Context, email string, password string) (User, error) {
	store.mutex.RLock()
	record, ok := store.byEmail[strings.ToLower(strings.TrimSpace(email))]
	store.mutex.RUnlock()
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(record.passwordHash, []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return record.user, nil
}

// Profile returns a profile by user id.
func (store *InMemoryUsers) Profile(ctx context.Context, userID string) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byID[userID]
	if !ok {
		return User{}, ErrUserProfileNotFound
	}
	return record.user, nil
}
