package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/room-signaling/internal/token"
)

// RoomTokenVerifier checks a room-scoped access token.
type RoomTokenVerifier interface {
	Verify(tokenString, expectedRoom string) (*token.Claims, error)
}

// RoomTokenAuth creates middleware that requires a bearer token issued for
// the room named in the :name path parameter.
func RoomTokenAuth(verifier RoomTokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "access_denied",
				"reason": "Authorization header required",
			})
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "access_denied",
				"reason": "Invalid authorization header format",
			})
			return
		}

		claims, err := verifier.Verify(parts[1], c.Param("name"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "access_denied",
				"reason": token.Reason(err),
			})
			return
		}

		// Store the verified room in context for handlers
		c.Set("room", claims.Room)
		c.Next()
	}
}
