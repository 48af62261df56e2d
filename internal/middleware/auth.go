package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
)

// UserIDKey is the gin context key holding the authenticated user id.
const UserIDKey = "userID"

var errNoUser = errors.New("token carries no user")

// AuthMiddleware resolves the caller. With a secret it validates an HS256
// bearer token; browsers opening a websocket may pass it as ?token= instead.
// Without a secret the X-User-ID header is trusted, for local development.
func AuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		if secret == "" {
			userID, err := strconv.Atoi(c.GetHeader("X-User-ID"))
			if err != nil || userID <= 0 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing user"})
				return
			}
			c.Set(UserIDKey, userID)
			c.Next()
			return
		}

		raw, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		userID, err := ParseToken(raw, key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// ParseToken validates raw and returns the user id from its user_id or sub claim.
func ParseToken(raw string, key []byte) (int, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return 0, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, errNoUser
	}

	switch v := claims["user_id"].(type) {
	case float64:
		if v > 0 {
			return int(v), nil
		}
	case string:
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			return id, nil
		}
	}
	if sub, ok := claims["sub"].(string); ok {
		if id, err := strconv.Atoi(sub); err == nil && id > 0 {
			return id, nil
		}
	}
	return 0, errNoUser
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		token := c.Query("token")
		return token, token != ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
