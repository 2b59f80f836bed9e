package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"tradieflow/internal/config"
)

// ContextUserIDKey holds the authenticated owner id on the gin context.
const ContextUserIDKey = "user_id"

// ParseUserToken verifies an HS256 token and returns the owner id it carries,
// taken from user_id or, failing that, sub. exp and nbf are enforced when present.
func ParseUserToken(token, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuedAt())
	if err != nil {
		return "", err
	}

	raw, ok := claims["user_id"]
	if !ok {
		raw = claims["sub"]
	}
	uid := claimString(raw)
	if uid == "" {
		return "", errors.New("token has no user_id or sub claim")
	}
	return uid, nil
}

func claimString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// AuthMiddleware enforces Authorization: Bearer <jwt> on protected routes and
// injects "user_id" for handlers. With auth disabled the id comes from the
// configured development header instead.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	auth := cfg.Security.Auth
	secret := cfg.JWT.Secret
	devHeader := auth.DevUserHeader
	if devHeader == "" {
		devHeader = "X-User-ID"
	}

	return func(c *gin.Context) {
		if !auth.Enabled {
			uid := strings.TrimSpace(c.GetHeader(devHeader))
			if uid == "" {
				abortUnauthorized(c, "missing "+devHeader+" header")
				return
			}
			c.Set(ContextUserIDKey, uid)
			c.Next()
			return
		}

		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		uid, err := ParseUserToken(token, secret)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}
		c.Set(ContextUserIDKey, uid)
		c.Next()
	}
}

// UserID returns the id set by AuthMiddleware, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserIDKey)
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": msg,
	})
}
