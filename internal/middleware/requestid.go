package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/chairqueue/pkg/logger"
)

const (
	HeaderXRequestID = "X-Request-ID"
	ContextRequestID = "request_id"
	ContextLogger    = "logger"
)

// RequestID tags each request with an id, reusing the caller's header
// when present, and stores a request-scoped logger carrying it.
func RequestID(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderXRequestID)
		if rid == "" {
			rid = uuid.New().String()
		}

		c.Set(ContextRequestID, rid)
		c.Set(ContextLogger, log.WithFields(map[string]interface{}{ContextRequestID: rid}))
		c.Header(HeaderXRequestID, rid)
		c.Next()
	}
}

// RequestLogger returns the logger stored by RequestID, or a no-op one.
func RequestLogger(c *gin.Context) *logger.Logger {
	if v, ok := c.Get(ContextLogger); ok {
		if l, ok := v.(*logger.Logger); ok {
			return l
		}
	}
	return logger.Nop()
}
