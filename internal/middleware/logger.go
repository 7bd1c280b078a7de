package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Logger logs one line per request. Bodies are never logged; they carry
// patient names.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		}
		log := RequestLogger(c)
		switch {
		case status >= 500:
			var err error
			if last := c.Errors.Last(); last != nil {
				err = last.Err
			}
			log.Error(err, "server error", fields...)
		case status >= 400:
			log.Warn("client error", fields...)
		default:
			log.Debug("request processed", fields...)
		}
	}
}
