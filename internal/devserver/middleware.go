package devserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HeaderCSRFToken carries the anti-forgery token on state-changing requests.
const HeaderCSRFToken = "X-CSRF-TOKEN"

// RequestLogger logs every request once it completes.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}

// RequireCSRF rejects requests whose X-CSRF-TOKEN was not issued by store or has expired.
func RequireCSRF(store CSRFStore, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		token := strings.TrimSpace(contextGin.GetHeader(HeaderCSRFToken))
		if token == "" {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "csrf_token_missing"})
			return
		}
		if err := store.Validate(contextGin.Request.Context(), token); err != nil {
			logger.Warn("csrf token rejected",
				zap.String("code", "devserver.csrf.rejected"),
				zap.String("path", contextGin.Request.URL.Path),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "csrf_token_invalid"})
			return
		}
		contextGin.Next()
	}
}
