package logger_middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/logger"
)

// RequestLogger logs each request with latency and status.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		entry := logger.InfoLogger.WithFields(map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  status,
			"latency": latency.String(),
			"ip":      c.ClientIP(),
		})

		switch {
		case status >= 500:
			logger.ErrorLogger.Errorf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, latency)
		case status >= 400:
			logger.WarnLogger.Warnf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, latency)
		default:
			entry.Info("request completed")
		}
	}
}
