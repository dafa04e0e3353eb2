package middleware

import (
	"net/http"

	apperrors "huddle/pkg/errors"
	"huddle/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached with c.Error as
// {"error":{"code","message"}}, the same shape signaling replies use.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	cl := logger.NewContextLogger(log)
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		l := cl.WithContext(c.Request.Context())

		appErr := apperrors.GetAppError(err)
		if appErr == nil {
			l.Errorw("unhandled error",
				"error", err,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			appErr = apperrors.NewInternalError("internal server error")
		} else if appErr.HTTPStatus >= http.StatusInternalServerError {
			l.Errorw("request failed",
				"code", appErr.Code,
				"error", appErr,
				"path", c.Request.URL.Path,
			)
		} else {
			l.Debugw("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
			)
		}

		if c.Writer.Written() {
			return
		}
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Body()})
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorw("panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": apperrors.NewInternalError("internal server error").Body(),
				})
			}
		}()

		c.Next()
	}
}
