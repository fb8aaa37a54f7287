// identity.go resolves the caller identity consumed by the audit capture and
// rate limiter. Identity is advisory here: a missing or invalid bearer token
// makes the request anonymous, it does not reject it. Authentication proper
// is the surrounding platform's job; the engine only records who acted.
package middleware

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Context keys set by IdentityMiddleware.
const (
	ActorIDKey  = "actor_id"
	TenantIDKey = "tenant_id"
)

// identityClaims is the subset of the platform JWT the engine reads.
type identityClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// IdentityMiddleware parses the Authorization bearer token and stores the
// actor and tenant in the request context. Requests without a token, or with
// a token that fails verification, proceed anonymously.
func IdentityMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			c.Next()
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		if jwtSecret == "" {
			// No verification key configured; identity stays anonymous.
			c.Next()
			return
		}

		claims := &identityClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(jwtSecret), nil
		})
		if err != nil || !token.Valid {
			slog.Debug("ignoring invalid bearer token", "error", err)
			c.Next()
			return
		}

		if claims.Subject != "" {
			c.Set(ActorIDKey, claims.Subject)
		}
		if claims.TenantID != "" {
			c.Set(TenantIDKey, claims.TenantID)
		}

		c.Next()
	}
}

// ActorID returns the resolved actor, or "" for anonymous requests.
func ActorID(c *gin.Context) string {
	if v, ok := c.Get(ActorIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// TenantID returns the resolved tenant, or "" when the token carried none.
func TenantID(c *gin.Context) string {
	if v, ok := c.Get(TenantIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
