package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"socialchat/chat"

	"github.com/gin-gonic/gin"
)

const defaultRequestTimeout = 10 * time.Second

// requestContext bounds store calls made on behalf of c.
func requestContext(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error", "code"}. Server errors hide their cause from
// the client; the request logger records it.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": msg,
		"code":  chat.Code(err),
	})
}
