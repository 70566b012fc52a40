package httpapi

import (
	"net/http"
	"path"

	"github.com/gin-gonic/gin"
)

const (
	corsAllowHeaders = "Content-Type, Authorization, ngrok-skip-browser-warning"
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
)

// OriginAllowed returns a predicate matching browser origins against an
// allow-list. Entries may contain '*' wildcards within a host label, e.g.
// "https://*.ngrok-free.app". A single "*" entry or an empty list allows
// every origin.
func OriginAllowed(patterns []string) func(origin string) bool {
	return func(origin string) bool {
		if len(patterns) == 0 {
			return true
		}
		for _, p := range patterns {
			if p == "*" || p == origin {
				return true
			}
			if ok, err := path.Match(p, origin); err == nil && ok {
				return true
			}
		}
		return false
	}
}

// corsMiddleware echoes allowed origins with credentials support and answers
// preflight requests directly.
func corsMiddleware(patterns []string) gin.HandlerFunc {
	allowed := OriginAllowed(patterns)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Expose-Headers", "Content-Length")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
