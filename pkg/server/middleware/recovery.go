// Package middleware holds the gin handlers mounted on every Server.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dongjinleekr/armeria/pkg/xlog"
)

// Recovery turns a handler panic into a 500 response and an error log.
func Recovery(log *xlog.Logger) gin.HandlerFunc {
	if log == nil {
		log = xlog.Default()
	}
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered in http handler",
					"panic", r,
					"method", c.Request.Method,
					"path", c.FullPath(),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    http.StatusInternalServerError,
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
