package devserver

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/authstate/pkg/claims"
)

// MintAccessToken creates a signed HS256 access token carrying the user in the "data" claim.
func MintAccessToken(user User, issuer string, signingKey []byte, ttl time.Duration, issuedAt time.Time) (string, time.Time, error) {
	expiresAt := issuedAt.Add(ttl).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims.Claims{
		EmailClaim: user.Email,
		Data: &claims.UserData{
			Role:        string(user.Role),
			Name:        user.Name,
			Email:       user.Email,
			Permissions: user.Permissions,
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	return signed, expiresAt, err
}
