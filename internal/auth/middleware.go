package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// ContextKeyCaller is the gin context key holding the authenticated identity.ID.
const ContextKeyCaller = "authCaller"

// Middleware extracts and validates the bearer token from the request.
// Sets authCaller in context if valid; invalid tokens are ignored here and
// rejected by RequireAuth.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token != "" {
			if id, err := v.Verify(token); err == nil {
				c.Set(ContextKeyCaller, id)
			}
		}
		c.Next()
	}
}

// RequireAuth middleware rejects requests without a verified caller.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetCaller(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// GetCaller returns the authenticated caller (if any).
func GetCaller(c *gin.Context) (identity.ID, bool) {
	v, exists := c.Get(ContextKeyCaller)
	if !exists {
		return identity.Zero, false
	}
	id, ok := v.(identity.ID)
	return id, ok && !id.IsZero()
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
