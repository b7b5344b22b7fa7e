package rest

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/flowmesh/core/internal/infrastructure/logger"
)

const (
	RequestIDHeader     = "X-Request-ID"
	ContextKeyRequestID = "request_id"
)

// LoggingMiddleware logs every request with a stable request_id, adapted
// from the teacher's internal/infrastructure/api/rest/middleware_logging.go
// with the auth-specific user_id field dropped (this surface has no auth
// layer).
type LoggingMiddleware struct {
	logger *logger.Logger
}

func NewLoggingMiddleware(log *logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: log}
}

func (m *LoggingMiddleware) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, requestID)
		c.Header(RequestIDHeader, requestID)

		path := c.Request.URL.Path
		method := c.Request.Method

		m.logger.Info("request started",
			"request_id", requestID,
			"method", method,
			"path", path,
			"client_ip", c.ClientIP(),
		)

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		logArgs := []any{
			"request_id", requestID,
			"method", method,
			"path", path,
			"status", statusCode,
			"duration_ms", duration.Milliseconds(),
		}
		if len(c.Errors) > 0 {
			logArgs = append(logArgs, "errors", c.Errors.String())
		}

		switch {
		case statusCode >= 500:
			m.logger.Error("request completed", logArgs...)
		case statusCode >= 400:
			m.logger.Warn("request completed", logArgs...)
		default:
			m.logger.Info("request completed", logArgs...)
		}
	}
}

// GetRequestID returns the request ID stashed by RequestLogger, or "".
func GetRequestID(c *gin.Context) string {
	requestID, exists := c.Get(ContextKeyRequestID)
	if !exists {
		return ""
	}
	return requestID.(string)
}
