package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/jrjohn/harbor-go/pkg/errors"
)

// ErrInternal is the body served for a recovered panic.
var ErrInternal = apperrors.New("INTERNAL", "internal server error", http.StatusInternalServerError)

// Recovery turns a handler panic into a 500 carrying ErrInternal.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
					zap.String("request_id", GetRequestID(c)),
					zap.ByteString("stack", debug.Stack()),
				)
				Abort(c, ErrInternal)
			}
		}()
		c.Next()
	}
}

// Abort writes err as JSON with its mapped status and stops the chain.
// Errors that are not *errors.AppError are reported as ErrInternal.
func Abort(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		_ = c.Error(err)
		appErr = ErrInternal
	}
	c.AbortWithStatusJSON(apperrors.GetStatus(appErr), appErr)
}
