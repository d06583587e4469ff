package authstate

import (
	"strings"

	"github.com/tyemirov/authstate/pkg/roles"
)

// HasRole reports whether the current role is one of candidates.
func (service *Service) HasRole(candidates ...roles.Role) bool {
	state := service.State()
	if !state.Authenticated {
		return false
	}
	for _, candidate := range candidates {
		if candidate.Valid() && candidate == state.Role {
			return true
		}
	}
	return false
}

// HasRoleLevel reports whether the current role ranks at or above minimum.
func (service *Service) HasRoleLevel(minimum roles.Role) bool {
	state := service.State()
	return state.Authenticated && state.Role.AtLeast(minimum)
}

// HasPermission reports whether any of permissions is granted by the token or
// the cached profile. super_admin passes every permission check.
func (service *Service) HasPermission(permissions ...string) bool {
	state := service.State()
	if !state.Authenticated {
		return false
	}
	if state.Role == roles.SuperAdmin {
		return true
	}
	return roles.NewPermissionSet(state.Permissions...).HasAny(permissions...)
}

// CanAccess checks the resource table for the current role.
func (service *Service) CanAccess(resource string) bool {
	state := service.State()
	return state.Authenticated && service.config.ResourceAccess.Allows(state.Role, resource)
}

// RedirectPath returns the navigation target for role, falling back to the default entry.
func (service *Service) RedirectPath(role roles.Role) string {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	if path, ok := service.config.RedirectPaths[string(role)]; ok && role != roles.Unknown {
		return path
	}
	if path, ok := service.config.RedirectPaths[RedirectDefaultKey]; ok {
		return path
	}
	return service.config.DefaultRedirect
}

// SetRedirectPaths merges entries into the role to path table. Entries without
// a leading slash are ignored.
func (service *Service) SetRedirectPaths(paths map[string]string) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	merged := make(map[string]string, len(service.config.RedirectPaths)+len(paths))
	for role, path := range service.config.RedirectPaths {
		merged[role] = path
	}
	for role, path := range paths {
		if !strings.HasPrefix(path, "/") {
			continue
		}
		merged[strings.ToLower(strings.TrimSpace(role))] = path
	}
	service.config.RedirectPaths = merged
}

func (service *Service) lastKnownRole() roles.Role {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	return service.lastRole
}
