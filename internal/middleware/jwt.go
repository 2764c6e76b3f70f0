package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// OwnerIDKey is the gin context key holding the authenticated owner id.
const OwnerIDKey = "owner_id"

// GenerateToken signs an HS256 token carrying the owner id.
func GenerateToken(ownerID int64, secret []byte, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"owner_id": ownerID,
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses tokenStr and returns the owner id it was issued for.
func ValidateToken(tokenStr string, secret []byte) (int64, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, err
	}
	if !token.Valid {
		return 0, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errors.New("invalid token claims")
	}
	// JSON numbers decode as float64
	raw, ok := claims["owner_id"].(float64)
	if !ok || raw <= 0 || raw != float64(int64(raw)) {
		return 0, fmt.Errorf("invalid owner_id claim %v", claims["owner_id"])
	}
	return int64(raw), nil
}

// RequireAuth ensures a valid JWT is present
func RequireAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid Authorization header"})
			return
		}

		ownerID, err := ValidateToken(strings.TrimPrefix(authHeader, "Bearer "), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		// Store the owner for downstream handlers
		c.Set(OwnerIDKey, ownerID)
		c.Next()
	}
}

// OwnerID returns the owner set by RequireAuth.
func OwnerID(c *gin.Context) (int64, bool) {
	v, exists := c.Get(OwnerIDKey)
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
