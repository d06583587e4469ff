// Package claims reads access-token payloads without verifying them.
//
// The decoded claims are advisory. They drive display and expiry scheduling
// (countdowns, refresh-ahead) and must never be treated as an authorization
// decision; servers verify signatures themselves (see pkg/sessionvalidator).
package claims

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/authstate/pkg/autherr"
	"github.com/tyemirov/authstate/pkg/roles"
)

// UserData is the nested user block carried under the "data" claim.
type UserData struct {
	Role        string   `json:"role,omitempty"`
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Claims is the access-token payload. Top-level role, name and permissions are
// accepted as fallbacks for issuers that do not nest a data block.
type Claims struct {
	UserIDClaim     string    `json:"user_id,omitempty"`
	EmailClaim      string    `json:"email,omitempty"`
	NameClaim       string    `json:"name,omitempty"`
	RoleClaim       string    `json:"role,omitempty"`
	PermissionClaim []string  `json:"permissions,omitempty"`
	Data            *UserData `json:"data,omitempty"`
	jwt.RegisteredClaims
}

var parser = jwt.NewParser()

// Decode splits the token, base64url-decodes its payload and parses the JSON.
// Any structural problem yields an autherr of kind auth.token_malformed.
func Decode(token string) (*Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, autherr.New(autherr.KindTokenMalformed, "token is empty")
	}
	if strings.Count(trimmed, ".") != 2 {
		return nil, autherr.New(autherr.KindTokenMalformed, "token must have three segments")
	}
	decoded := &Claims{}
	if _, _, err := parser.ParseUnverified(trimmed, decoded); err != nil {
		return nil, autherr.Wrap(autherr.KindTokenMalformed, "token payload could not be decoded", err)
	}
	return decoded, nil
}

// UserID returns the subject, falling back to the user_id claim.
func (c *Claims) UserID() string {
	if c == nil {
		return ""
	}
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserIDClaim
}

// Role returns the role mapped onto the hierarchy.
func (c *Claims) Role() roles.Role {
	if c == nil {
		return roles.Unknown
	}
	if c.Data != nil && c.Data.Role != "" {
		return roles.Parse(c.Data.Role)
	}
	return roles.Parse(c.RoleClaim)
}

// Name returns the display name, falling back to the email.
func (c *Claims) Name() string {
	if c == nil {
		return ""
	}
	if c.Data != nil {
		if c.Data.Name != "" {
			return c.Data.Name
		}
		if c.Data.Email != "" {
			return c.Data.Email
		}
	}
	if c.NameClaim != "" {
		return c.NameClaim
	}
	return c.EmailClaim
}

// Email returns the email address.
func (c *Claims) Email() string {
	if c == nil {
		return ""
	}
	if c.EmailClaim != "" {
		return c.EmailClaim
	}
	if c.Data != nil {
		return c.Data.Email
	}
	return ""
}

// Permissions returns the union of nested and top-level permissions.
func (c *Claims) Permissions() roles.PermissionSet {
	if c == nil {
		return roles.NewPermissionSet()
	}
	set := roles.NewPermissionSet(c.PermissionClaim...)
	if c.Data != nil {
		set = set.Union(roles.NewPermissionSet(c.Data.Permissions...))
	}
	return set
}

// ExpiresAt returns the exp claim, or the zero time when absent.
func (c *Claims) ExpiresAt() time.Time {
	if c == nil || c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

// Valid reports whether the token is still live at now. A missing exp claim is never valid.
func (c *Claims) Valid(now time.Time) bool {
	expiresAt := c.ExpiresAt()
	if expiresAt.IsZero() {
		return false
	}
	return expiresAt.After(now)
}

// Remaining returns the lifetime left at now; negative once expired.
func (c *Claims) Remaining(now time.Time) time.Duration {
	expiresAt := c.ExpiresAt()
	if expiresAt.IsZero() {
		return 0
	}
	return expiresAt.Sub(now)
}
