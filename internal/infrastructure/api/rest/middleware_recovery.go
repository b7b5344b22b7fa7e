package rest

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/flowmesh/core/internal/infrastructure/logger"
)

// RecoveryMiddleware turns a panicking handler into a 500 response instead
// of killing the process, adapted from the teacher's
// middleware_recovery.go.
type RecoveryMiddleware struct {
	logger *logger.Logger
}

func NewRecoveryMiddleware(log *logger.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: log}
}

func (m *RecoveryMiddleware) Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID := GetRequestID(c)

				m.logger.Error("panic recovered",
					"request_id", requestID,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"error", err,
					"stack", string(debug.Stack()),
				)

				apiErr := NewAPIError(
					"INTERNAL_ERROR",
					fmt.Sprintf("internal server error (request_id: %s)", requestID),
					http.StatusInternalServerError,
				)
				c.AbortWithStatusJSON(apiErr.HTTPStatus, apiErr)
			}
		}()

		c.Next()
	}
}
