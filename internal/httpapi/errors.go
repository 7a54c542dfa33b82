package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"warm-transfer-platform/internal/agents"
	"warm-transfer-platform/internal/calls"
	"warm-transfer-platform/internal/gateway"
	"warm-transfer-platform/internal/transfer"
)

// writeError maps service sentinels onto HTTP statuses. Unknown errors stay
// opaque 500s so internals never leak to clients.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, agents.ErrNotFound),
		errors.Is(err, calls.ErrNotFound),
		errors.Is(err, transfer.ErrNotFound),
		errors.Is(err, gateway.ErrRoomNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})

	case errors.Is(err, agents.ErrInvalidArgument),
		errors.Is(err, agents.ErrDuplicateEmail),
		errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, transfer.ErrInvalidArgument):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})

	case errors.Is(err, agents.ErrConflict),
		errors.Is(err, calls.ErrConflict),
		errors.Is(err, calls.ErrInvalidTransition),
		errors.Is(err, transfer.ErrConflict),
		errors.Is(err, transfer.ErrActiveTransferExists):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})

	case errors.Is(err, gateway.ErrUnavailable):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "media provider unavailable"})

	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
