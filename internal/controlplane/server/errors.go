package server

import (
	"errors"
	"net/http"

	"github.com/betbot/bothost/internal/controlplane/registry"
	"github.com/betbot/bothost/internal/controlplane/store"
	"github.com/betbot/bothost/internal/domain"
	"github.com/gin-gonic/gin"
)

// statusFor 领域错误 -> HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrFileMissing):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, store.ErrUserExists),
		errors.Is(err, registry.ErrStopPending):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, registry.ErrClosing):
		return http.StatusServiceUnavailable
	default:
		// ErrSpawnFailure 也落在这里
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}

func writeErr(c *gin.Context, err error) {
	writeError(c, statusFor(err), err.Error())
}

func writeJSON(c *gin.Context, code int, v any) {
	c.JSON(code, v)
}
