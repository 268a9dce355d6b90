package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ownerKey is the context key the identity middleware stores the caller
// under.
const ownerKey = "owner"

// Identity resolves the calling user. Session handling lives in the
// fronting proxy, which forwards the authenticated user id in the
// X-User-ID header; requests without one are rejected.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader("X-User-ID")
		if owner == "" {
			Abort(c, http.StatusUnauthorized, "unauthorized", "missing X-User-ID header")
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

// Owner returns the caller resolved by Identity.
func Owner(c *gin.Context) string {
	return c.GetString(ownerKey)
}
