// Package middleware provides gin HTTP middleware for the council server:
// bearer JWT authentication, generalized from the teacher's static API-key
// gate to the full external-interface's JWT requirement.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload the council server expects. Subject identifies
// the caller; Roles gates access to operator-only endpoints.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// AuthMiddleware validates a bearer JWT signed with secret using HS256.
// excludePaths bypasses validation entirely for matching request paths (the
// health check, typically).
func AuthMiddleware(secret string, excludePaths ...string) gin.HandlerFunc {
	excluded := make(map[string]bool, len(excludePaths))
	for _, p := range excludePaths {
		excluded[p] = true
	}

	return func(c *gin.Context) {
		if excluded[c.Request.URL.Path] {
			c.Next()
			return
		}

		token, err := extractToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set("jwt_claims", claims)
		c.Set("jwt_subject", claims.Subject)
		c.Next()
	}
}

// RequireRole aborts with 403 unless the authenticated caller's claims
// include role. Must run after AuthMiddleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.MustGet("jwt_claims").(*Claims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "no authenticated claims"})
			return
		}
		for _, r := range claims.Roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing required role: " + role})
	}
}

// extractToken pulls the bearer token out of an Authorization header value.
func extractToken(header string) (string, error) {
	const prefix = "Bearer "
	if header == "" || !strings.HasPrefix(header, prefix) {
		return "", errMissingBearerToken
	}
	return strings.TrimPrefix(header, prefix), nil
}

var errMissingBearerToken = &authError{"missing bearer token"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

// GenerateToken issues a signed token for subject, valid for ttl, carrying
// roles. Used by tests and by any administrative token-issuance tooling.
func GenerateToken(secret, subject string, roles []string, ttl time.Duration) (string, error) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Roles: roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
