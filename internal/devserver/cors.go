package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const corsPreflightMaxAge = 12 * time.Hour

var ErrInvalidOrigin = errors.New("devserver.invalid_origin")

// normalizeOrigins reduces AllowedOrigins to sorted, unique scheme://host values.
// Responses carry credentials, so a wildcard is refused.
func normalizeOrigins(origins []string) ([]string, error) {
	normalized := make([]string, 0, len(origins))
	for _, raw := range origins {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		origin, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(normalized, origin) {
			normalized = append(normalized, origin)
		}
	}
	slices.Sort(normalized)
	return normalized, nil
}

func normalizeOrigin(raw string) (string, error) {
	if raw == "*" {
		return "", fmt.Errorf("%w: wildcard not allowed with credentials", ErrInvalidOrigin)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidOrigin, raw, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme != "http" && scheme != "https", parsed.Host == "":
		return "", fmt.Errorf("%w: %q is not an http(s) origin", ErrInvalidOrigin, raw)
	case strings.Trim(parsed.Path, "/") != "", parsed.RawQuery != "", parsed.Fragment != "":
		return "", fmt.Errorf("%w: %q must not carry a path, query or fragment", ErrInvalidOrigin, raw)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), nil
}

// corsHandler admits credentialed requests from the configured origins. Plain
// http origins only work with AllowInsecureHTTP, since session cookies are
// otherwise Secure and never reach them.
func corsHandler(configuration Config, logger *zap.Logger) gin.HandlerFunc {
	for _, origin := range configuration.AllowedOrigins {
		if strings.HasPrefix(origin, "http://") && !configuration.AllowInsecureHTTP {
			logger.Warn("plain http origin cannot receive secure cookies",
				zap.String("code", "devserver.cors.insecure_origin"),
				zap.String("origin", origin),
			)
		}
	}
	return cors.New(cors.Config{
		AllowOrigins:     configuration.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Requested-With", HeaderCSRFToken},
		AllowCredentials: true,
		MaxAge:           corsPreflightMaxAge,
	})
}
