package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/AnTengye/contractreview/pkg/logger"
)

// Recovery turns a handler panic into a 500 envelope. The panic is logged
// with the request's context fields and recorded on c.Errors for the
// request logger.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error(c.Request.Context(), "panic recovered",
				"error", r,
				"method", c.Request.Method,
				"route", c.FullPath(),
				"stack", string(debug.Stack()),
			)
			c.Error(fmt.Errorf("panic: %v", r))
			AbortWithError(c, http.StatusInternalServerError, "internal", "Internal server error")
		}()

		c.Next()
	}
}
