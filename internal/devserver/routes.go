package devserver

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/authstate/pkg/authmetrics"
	"github.com/tyemirov/authstate/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Dependencies are the collaborators the routes need.
type Dependencies struct {
	Users         UserStore
	RefreshTokens RefreshTokenStore
	CSRF          CSRFStore
	Metrics       authmetrics.Recorder
	// Gatherer, when set, is exposed on GET /metrics.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
	Clock    Clock
}

const claimsContextKey = "auth_claims"

type authHandlers struct {
	configuration Config
	users         UserStore
	refreshTokens RefreshTokenStore
	csrf          CSRFStore
	metrics       authmetrics.Recorder
	logger        *zap.Logger
	clock         Clock
}

// NewRouter builds a gin engine serving the auth API, request logging,
// CORS for configuration.AllowedOrigins and, when a gatherer is supplied, /metrics.
func NewRouter(configuration Config, dependencies Dependencies) (*gin.Engine, error) {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized, err := configuration.normalized()
	if err != nil {
		return nil, err
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	if len(normalized.AllowedOrigins) > 0 {
		router.Use(corsHandler(normalized, logger))
	}
	if err := MountAuthRoutes(router, normalized, dependencies); err != nil {
		return nil, err
	}
	if dependencies.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(dependencies.Gatherer, promhttp.HandlerOpts{})))
	}
	return router, nil
}

// MountAuthRoutes registers /api/auth/{csrf,login,refresh,logout} and /api/user/profile.
func MountAuthRoutes(router gin.IRouter, configuration Config, dependencies Dependencies) error {
	normalized, err := configuration.normalized()
	if err != nil {
		return err
	}
	if dependencies.Users == nil {
		return fmt.Errorf("devserver.mount: %w", ErrMissingUsers)
	}
	if dependencies.RefreshTokens == nil {
		return fmt.Errorf("devserver.mount: %w", ErrMissingRefresh)
	}
	if dependencies.CSRF == nil {
		return fmt.Errorf("devserver.mount: %w", ErrMissingCSRF)
	}
	handlers := &authHandlers{
		configuration: normalized,
		users:         dependencies.Users,
		refreshTokens: dependencies.RefreshTokens,
		csrf:          dependencies.CSRF,
		metrics:       dependencies.Metrics,
		logger:        dependencies.Logger,
		clock:         dependencies.Clock,
	}
	if handlers.metrics == nil {
		handlers.metrics = authmetrics.Nop{}
	}
	if handlers.logger == nil {
		handlers.logger = zap.NewNop()
	}
	if handlers.clock == nil {
		handlers.clock = systemClock{}
	}
	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: normalized.SigningKey,
		Issuer:     normalized.Issuer,
		CookieName: normalized.SessionCookieName,
		Clock:      handlers.clock,
	})
	if validatorErr != nil {
		return fmt.Errorf("devserver.mount: %w", validatorErr)
	}

	guarded := []gin.HandlerFunc{}
	if normalized.RequireCSRF {
		guarded = append(guarded, RequireCSRF(handlers.csrf, handlers.logger))
	}
	router.GET("/api/auth/csrf", handlers.issueCSRF)
	router.POST("/api/auth/login", append(guarded, handlers.login)...)
	router.POST("/api/auth/refresh", append(guarded, handlers.refresh)...)
	router.POST("/api/auth/logout", append(guarded, handlers.logout)...)
	router.GET("/api/user/profile", validator.GinMiddleware(claimsContextKey), handlers.profile)
	return nil
}

func (handlers *authHandlers) issueCSRF(contextGin *gin.Context) {
	token, err := handlers.csrf.Issue(contextGin.Request.Context())
	if err != nil {
		handlers.logger.Error("csrf issue failed", zap.String("code", "devserver.csrf.issue_failed"), zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"csrf_token": token})
}

func (handlers *authHandlers) login(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if !handlers.configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
		return
	}

	user, authErr := handlers.users.Authenticate(contextGin.Request.Context(), inbound.Email, inbound.Password)
	if authErr != nil {
		handlers.metrics.Increment(authmetrics.EventLoginFailure)
		if !errors.Is(authErr, ErrInvalidCredentials) {
			handlers.logger.Error("user lookup failed", zap.String("code", "devserver.login.lookup_failed"), zap.Error(authErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		handlers.logger.Info("login rejected", zap.String("code", "devserver.login.invalid_credentials"), zap.String("email", inbound.Email))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	if _, ok := handlers.startSession(contextGin, user, ""); !ok {
		return
	}
	handlers.metrics.Increment(authmetrics.EventLoginSuccess)
	handlers.logger.Info("login succeeded", zap.String("code", "devserver.login.success"), zap.String("user_id", user.ID))
	contextGin.JSON(http.StatusOK, gin.H{
		"user_id": user.ID,
		"name":    user.Name,
		"email":   user.Email,
		"role":    string(user.Role),
	})
}

func (handlers *authHandlers) refresh(contextGin *gin.Context) {
	var inbound struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = contextGin.ShouldBindJSON(&inbound)
	opaque := strings.TrimSpace(inbound.RefreshToken)
	if opaque == "" {
		if refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.configuration.RefreshCookieName); cookieErr == nil && refreshCookie != nil {
			opaque = strings.TrimSpace(refreshCookie.Value)
		}
	}
	if opaque == "" {
		handlers.rejectRefresh(contextGin, ErrRefreshTokenEmptyOpaque)
		return
	}

	ctx := contextGin.Request.Context()
	userID, currentTokenID, _, validateErr := handlers.refreshTokens.Validate(ctx, opaque)
	if validateErr != nil {
		handlers.rejectRefresh(contextGin, validateErr)
		return
	}
	user, profileErr := handlers.users.Profile(ctx, userID)
	if profileErr != nil {
		handlers.rejectRefresh(contextGin, profileErr)
		return
	}
	if revokeErr := handlers.refreshTokens.Revoke(ctx, currentTokenID); revokeErr != nil {
		// A concurrent rotation already consumed this token.
		handlers.rejectRefresh(contextGin, revokeErr)
		return
	}
	expiresAt, ok := handlers.startSession(contextGin, user, currentTokenID)
	if !ok {
		return
	}
	handlers.metrics.Increment(authmetrics.EventRefreshSuccess)
	contextGin.JSON(http.StatusOK, gin.H{"expires_at": expiresAt.Unix()})
}

func (handlers *authHandlers) rejectRefresh(contextGin *gin.Context, reason error) {
	handlers.metrics.Increment(authmetrics.EventRefreshFailure)
	handlers.logger.Info("refresh rejected",
		zap.String("code", "devserver.refresh.rejected"),
		zap.String("reason", refreshRejection(reason)),
		zap.Error(reason),
	)
	contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
}

func (handlers *authHandlers) logout(contextGin *gin.Context) {
	var inbound struct {
		UserID string `json:"user_id"`
	}
	_ = contextGin.ShouldBindJSON(&inbound)
	refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.configuration.RefreshCookieName)
	if cookieErr == nil && refreshCookie != nil && strings.TrimSpace(refreshCookie.Value) != "" {
		_, tokenID, _, validateErr := handlers.refreshTokens.Validate(contextGin.Request.Context(), refreshCookie.Value)
		if validateErr == nil && tokenID != "" {
			if revokeErr := handlers.refreshTokens.Revoke(contextGin.Request.Context(), tokenID); revokeErr != nil {
				handlers.logger.Warn("refresh revoke failed", zap.String("code", "devserver.logout.revoke_failed"), zap.Error(revokeErr))
			}
		}
	}
	handlers.clearCookie(contextGin, handlers.configuration.SessionCookieName)
	handlers.clearCookie(contextGin, handlers.configuration.RefreshCookieName)
	handlers.metrics.Increment(authmetrics.EventLogout)
	handlers.logger.Info("logged out", zap.String("code", "devserver.logout"), zap.String("user_id", inbound.UserID))
	contextGin.Status(http.StatusNoContent)
}

func (handlers *authHandlers) profile(contextGin *gin.Context) {
	verified, ok := sessionvalidator.ClaimsFromContext(contextGin, claimsContextKey)
	if !ok || verified.UserID() == "" {
		handlers.logger.Warn("missing auth claims on context", zap.String("code", "api.profile.missing_claims"))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := handlers.users.Profile(contextGin.Request.Context(), verified.UserID())
	if err != nil {
		if errors.Is(err, ErrUserProfileNotFound) {
			handlers.logger.Warn("user profile missing", zap.String("code", "api.profile.missing"), zap.String("user_id", verified.UserID()))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		handlers.logger.Error("user profile lookup error", zap.String("code", "api.profile.error"), zap.String("user_id", verified.UserID()), zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"user": gin.H{
		"user_id":     user.ID,
		"name":        user.Name,
		"email":       user.Email,
		"role":        string(user.Role),
		"permissions": user.Permissions,
	}})
}

// startSession mints an access token, issues a refresh token and sets both cookies.
func (handlers *authHandlers) startSession(contextGin *gin.Context, user User, previousTokenID string) (time.Time, bool) {
	now := handlers.clock.Now()
	accessToken, accessExpiresAt, mintErr := MintAccessToken(user, handlers.configuration.Issuer, handlers.configuration.SigningKey, handlers.configuration.SessionTTL, now)
	if mintErr != nil {
		handlers.logger.Error("token mint failed", zap.String("code", "devserver.session.mint_failed"), zap.Error(mintErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return time.Time{}, false
	}
	refreshExpiresAt := now.Add(handlers.configuration.RefreshTTL)
	_, refreshOpaque, issueErr := handlers.refreshTokens.Issue(contextGin.Request.Context(), user.ID, refreshExpiresAt.Unix(), previousTokenID)
	if issueErr != nil || strings.TrimSpace(refreshOpaque) == "" {
		handlers.logger.Error("refresh issue failed", zap.String("code", "devserver.session.refresh_issue_failed"), zap.Error(issueErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return time.Time{}, false
	}
	handlers.writeCookie(contextGin, handlers.configuration.SessionCookieName, accessToken, accessExpiresAt)
	handlers.writeCookie(contextGin, handlers.configuration.RefreshCookieName, refreshOpaque, refreshExpiresAt)
	return accessExpiresAt, true
}

func (handlers *authHandlers) writeCookie(contextGin *gin.Context, name string, value string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   handlers.configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !handlers.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func (handlers *authHandlers) clearCookie(contextGin *gin.Context, name string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   handlers.configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !handlers.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
