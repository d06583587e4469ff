// Package roles defines the closed role hierarchy and permission sets used for client-side access decisions.
package roles

import (
	"sort"
	"strings"
)

// Role is a member of the fixed role hierarchy.
type Role string

const (
	Guest      Role = "guest"
	User       Role = "user"
	Moderator  Role = "moderator"
	Admin      Role = "admin"
	SuperAdmin Role = "super_admin"
)

// Unknown marks a role name outside the hierarchy. It ranks below Guest.
const Unknown Role = ""

var hierarchy = map[Role]int{
	Guest:      0,
	User:       1,
	Moderator:  2,
	Admin:      3,
	SuperAdmin: 4,
}

// All lists the hierarchy from least to most privileged.
func All() []Role {
	return []Role{Guest, User, Moderator, Admin, SuperAdmin}
}

// Parse maps a role name onto the hierarchy, returning Unknown for anything else.
func Parse(name string) Role {
	candidate := Role(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := hierarchy[candidate]; ok {
		return candidate
	}
	return Unknown
}

// Valid reports whether the role belongs to the hierarchy.
func (role Role) Valid() bool {
	_, ok := hierarchy[role]
	return ok
}

// Level returns the numeric privilege level; Unknown yields -1.
func (role Role) Level() int {
	level, ok := hierarchy[role]
	if !ok {
		return -1
	}
	return level
}

// AtLeast compares by level only.
func (role Role) AtLeast(minimum Role) bool {
	if !role.Valid() || !minimum.Valid() {
		return false
	}
	return role.Level() >= minimum.Level()
}

func (role Role) String() string {
	return string(role)
}

// PermissionSet is an unordered set of permission names.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set, dropping blank names.
func NewPermissionSet(permissions ...string) PermissionSet {
	set := make(PermissionSet, len(permissions))
	for _, permission := range permissions {
		trimmed := strings.TrimSpace(permission)
		if trimmed == "" {
			continue
		}
		set[trimmed] = struct{}{}
	}
	return set
}

// Has reports membership.
func (set PermissionSet) Has(permission string) bool {
	_, ok := set[permission]
	return ok
}

// HasAny reports whether at least one of the permissions is present.
func (set PermissionSet) HasAny(permissions ...string) bool {
	for _, permission := range permissions {
		if set.Has(permission) {
			return true
		}
	}
	return false
}

// Union returns a new set holding both sets' members.
func (set PermissionSet) Union(other PermissionSet) PermissionSet {
	merged := make(PermissionSet, len(set)+len(other))
	for permission := range set {
		merged[permission] = struct{}{}
	}
	for permission := range other {
		merged[permission] = struct{}{}
	}
	return merged
}

// Sorted returns the members in lexical order.
func (set PermissionSet) Sorted() []string {
	sorted := make([]string, 0, len(set))
	for permission := range set {
		sorted = append(sorted, permission)
	}
	sort.Strings(sorted)
	return sorted
}
