package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dongjinleekr/armeria/pkg/xlog"
)

// Logging records one line per request: method, path, status, latency and
// client address.
func Logging(log *xlog.Logger) gin.HandlerFunc {
	if log == nil {
		log = xlog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		)
	}
}
