package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// Context keys for user data
	ContextKeyUserID  = "user_id"
	ContextKeyIsAdmin = "user_is_admin"
)

// Middleware creates a JWT authentication middleware. The bearer token may
// also be passed as the access_token query parameter for websocket clients
// that cannot set headers.
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			reject(c, ErrUnauthorized)
			return
		}

		claims, err := jwtManager.ValidateAccessToken(tokenString)
		if err != nil {
			authErr := ErrInvalidToken
			errors.As(err, &authErr)
			reject(c, authErr)
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyIsAdmin, claims.IsAdmin)
		c.Next()
	}
}

// StaticUser sets a fixed caller identity; used when auth is disabled
func StaticUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}

// reject aborts with the same envelope the API handlers use for errors
func reject(c *gin.Context, e AuthError) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   true,
		"code":    e.Code,
		"message": e.Message,
	})
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if q := c.Query("access_token"); q != "" {
			return q, true
		}
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GetUserID extracts the user ID from the Gin context
func GetUserID(c *gin.Context) string {
	if userID, exists := c.Get(ContextKeyUserID); exists {
		if s, ok := userID.(string); ok {
			return s
		}
	}
	return ""
}

// IsAdmin checks if the current user is an admin
func IsAdmin(c *gin.Context) bool {
	if isAdmin, exists := c.Get(ContextKeyIsAdmin); exists {
		b, _ := isAdmin.(bool)
		return b
	}
	return false
}
