package opsapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// opClaims is the single-subject JWT this core issues itself at
// startup (spec §4.7's "operator manually resets" names no accounts,
// just an authenticated operator action — adapted from the teacher's
// per-user UserClaims down to a single fixed subject).
type opClaims struct {
	jwt.RegisteredClaims
}

// IssueOperatorToken signs a long-lived bearer token for the "ops"
// subject. Logged once at startup (see engine wiring in main.go) so an
// operator can copy it into their tooling; there is no login flow
// because this core has exactly one operator and one process.
func IssueOperatorToken(secret string) (string, error) {
	claims := opClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(365 * 24 * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) error {
	token, err := jwt.ParseWithClaims(tokenStr, &opClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return jwt.ErrTokenInvalidClaims
	}
	return nil
}

// authMiddleware enforces bearer-token auth on the risk-control routes.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": "MISSING_TOKEN", "error": "missing Authorization header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": "INVALID_AUTH_HEADER", "error": "invalid Authorization header",
			})
			return
		}
		if err := parseToken(parts[1], secret); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": "INVALID_TOKEN", "error": "invalid or expired token",
			})
			return
		}
		c.Next()
	}
}
