package roles

// ResourceAccess maps a resource identifier to the roles allowed to reach it.
type ResourceAccess map[string][]Role

// DefaultResourceAccess is the built-in table. Applications normally supply their own.
func DefaultResourceAccess() ResourceAccess {
	return ResourceAccess{
		"admin-dashboard": {Admin, SuperAdmin},
		"user-management": {Admin, SuperAdmin},
		"settings":        {User, Admin, SuperAdmin},
		"profile":         {User, Admin, SuperAdmin},
		"reports":         {Admin, SuperAdmin},
	}
}

// Allows reports whether role is listed for resource. Unknown resources deny.
func (access ResourceAccess) Allows(role Role, resource string) bool {
	allowed, ok := access[resource]
	if !ok || resource == "" {
		return false
	}
	for _, candidate := range allowed {
		if candidate == role {
			return true
		}
	}
	return false
}

// Clone returns an independent copy.
func (access ResourceAccess) Clone() ResourceAccess {
	clone := make(ResourceAccess, len(access))
	for resource, allowed := range access {
		clone[resource] = append([]Role(nil), allowed...)
	}
	return clone
}
