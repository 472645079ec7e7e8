package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"xiaorui/internal/auth"
)

const slowRequestThreshold = 2 * time.Second

// RequestLogger logs every request with its status and latency. Server
// errors log at error, slow requests at warn and the rest at debug.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", duration.Milliseconds(),
		}
		if userID, ok := auth.UserIDFromContext(c); ok {
			attrs = append(attrs, "user_id", userID)
		}

		switch {
		case status >= 500:
			logger.Error("request failed", attrs...)
		case duration > slowRequestThreshold:
			logger.Warn("slow request", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}
