package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	operatorKey    = "operator"
	HeaderOperator = "X-Operator" // names the calling operator
)

// AdminAuth guards the admin API with a static bearer token. An empty token
// disables the check (local development). The optional X-Operator header names
// the caller for logs and rate limiting.
func AdminAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		if op := strings.TrimSpace(c.GetHeader(HeaderOperator)); op != "" {
			c.Set(operatorKey, op)
		}
		if len(want) == 0 {
			c.Next()
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "unauthorized",
				"message":    "missing or invalid admin token",
			})
			return
		}
		c.Next()
	}
}

// Operator returns the caller named by X-Operator, or "".
func Operator(c *gin.Context) string {
	return c.GetString(operatorKey)
}
