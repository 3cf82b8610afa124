package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/room-signaling/internal/apperr"
	"github.com/mossy-p/room-signaling/internal/models"
	"github.com/mossy-p/room-signaling/internal/signaling"
)

// StatelessSignal relays one signal over plain HTTP for clients that cannot
// hold a websocket. Every call carries and re-verifies its own token.
func StatelessSignal(router *signaling.Router, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.StatelessSignalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, logger, apperr.Validation("missing_fields", "invalid request body"))
			return
		}

		err := router.RouteStateless(c.Request.Context(), signaling.StatelessSignal{
			Room:        req.Room,
			SenderID:    req.SenderID,
			AccessToken: req.AccessToken,
			Payload:     req.Payload,
		})
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
