// Package sessiongin exposes the session middleware to gin routers.
package sessiongin

import (
	"net/http"

	"github.com/ggoodman/session-scope-go/scope"
	"github.com/ggoodman/session-scope-go/sessionhttp"
	"github.com/gin-gonic/gin"
)

// Middleware adapts mw to gin. Downstream handlers find the request scope on
// c.Request.Context(), or through Scope.
func Middleware(mw *sessionhttp.Middleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		invoked := mw.Handle(c.Writer, c.Request, func(r *http.Request) {
			c.Request = r
			c.Next()
		})
		if !invoked {
			c.Abort()
		}
	}
}

// Scope returns the scope bound to the request, if any.
func Scope(c *gin.Context) (*scope.Scope, bool) {
	return scope.Current(c.Request.Context())
}
