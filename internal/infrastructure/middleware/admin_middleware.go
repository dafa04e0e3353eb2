package middleware

import (
	"crypto/subtle"
	"strings"

	apperrors "huddle/pkg/errors"

	"github.com/gin-gonic/gin"
)

// AdminTokenMiddleware requires "Authorization: Bearer <token>". An empty
// token disables the check.
func AdminTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		scheme, presented, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			_ = c.Error(apperrors.NewUnauthorizedError("bearer token required"))
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			_ = c.Error(apperrors.NewUnauthorizedError("invalid token"))
			c.Abort()
			return
		}
		c.Next()
	}
}
