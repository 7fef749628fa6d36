// Package middleware provides the ambient HTTP middleware for the
// gateway: request logging and panic recovery.
package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Paths excluded from success logging (health checks, metrics).
var defaultSkipPaths = []string{
	"/health",
	"/health/live",
	"/health/ready",
	"/metrics",
}

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// Logger returns middleware that logs each request with a generated
// request id. Log level follows the response status: 5xx is Error,
// 4xx is Warn, everything else Info. Successful health and metrics
// responses are skipped to reduce noise; errors are always logged.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.New().String()
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)

		path := c.Request.URL.Path
		isHealthPath := isHealthCheckPath(path)

		start := time.Now()
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		if isHealthPath && statusCode < 400 {
			return
		}

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.Int("body_size", c.Writer.Size()),
		}

		if userID, exists := c.Get("userID"); exists {
			fields = append(fields, zap.Any("user_id", userID))
		}

		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
		}

		if statusCode >= 500 {
			logger.Error("Server error", fields...)
		} else if statusCode >= 400 {
			logger.Warn("Client error", fields...)
		} else {
			logger.Info("Request completed", fields...)
		}
	}
}

func isHealthCheckPath(path string) bool {
	for _, skipPath := range defaultSkipPaths {
		if path == skipPath || strings.HasPrefix(path, skipPath+"/") {
			return true
		}
		// Handles mounted base paths (e.g. /api/health/live).
		if strings.HasSuffix(path, skipPath) {
			return true
		}
	}
	return false
}

// GetRequestID returns the request id from the context, generating a
// fresh one when absent.
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return uuid.New().String()
}
