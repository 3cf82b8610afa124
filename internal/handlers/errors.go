package handlers

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/room-signaling/internal/apperr"
)

// respondError writes err as {error, reason}. Internal failures are logged
// with their stack and reported without detail.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	code, message := apperr.Public(err)

	switch apperr.KindOf(err) {
	case apperr.KindInternal:
		logger.Error("request failed", "path", c.FullPath(), "request_id", c.GetString("request_id"), "error", err, "stack", stackOf(err))
	case apperr.KindTransient:
		logger.Warn("dependency unavailable", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "reason": message})
}

// stackOf renders the wrapped cause with %+v so the pkg/errors stack
// recorded by apperr.Internal is included.
func stackOf(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Err != nil {
		return fmt.Sprintf("%+v", e.Err)
	}
	return fmt.Sprintf("%+v", err)
}
