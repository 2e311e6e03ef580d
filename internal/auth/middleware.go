package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/timevision/hub/internal/logging"
)

const userIDContextKey = "auth_user_id"

// Middleware authenticates requests via the Authorization header.
// On success the user id is stored on the gin context and the request
// context, so downstream logging carries it automatically.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr := strings.TrimPrefix(header, "Bearer ")
		if header == "" || tokenStr == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing bearer token",
			})
			return
		}

		userID, err := v.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid or expired token",
			})
			return
		}

		c.Set(userIDContextKey, userID)
		c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// RequireAdmin guards operator endpoints with the X-Admin-Secret header.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin secret required",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id from the gin context; 0 if absent.
func UserID(c *gin.Context) int64 {
	if v, ok := c.Get(userIDContextKey); ok {
		if id, ok := v.(int64); ok {
			return id
		}
	}
	return 0
}
