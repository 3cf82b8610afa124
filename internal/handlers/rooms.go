package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/room-signaling/internal/apperr"
	"github.com/mossy-p/room-signaling/internal/models"
	"github.com/mossy-p/room-signaling/internal/rooms"
)

// CreateRoom creates a new room and returns a join token for it
func CreateRoom(svc *rooms.Service, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.CreateRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, logger, apperr.Validation("missing_fields", "invalid request body"))
			return
		}

		res, err := svc.CreateRoom(c.Request.Context(), rooms.CreateParams{
			Name:     req.Name,
			Verifier: req.Verifier,
			Privacy:  req.Privacy,
			TTL:      time.Duration(req.TTLMinutes) * time.Minute,
		})
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

// JoinRoom exchanges a room verifier for a join token. Public rooms accept
// an empty body.
func JoinRoom(svc *rooms.Service, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.JoinRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(c, logger, apperr.Validation("missing_fields", "invalid request body"))
			return
		}

		res, err := svc.JoinRoom(c.Request.Context(), c.Param("name"), req.Verifier)
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func ValidateRoom(svc *rooms.Service, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.ValidateRoomName(c.Request.Context(), c.Param("name"))
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// ShareRoom mints an invite token. Requires a valid token for the room.
func ShareRoom(svc *rooms.Service, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.ShareLink(c.Request.Context(), c.Param("name"))
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// DeleteRoom deletes a room. Requires a valid token for the room.
func DeleteRoom(svc *rooms.Service, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.DeleteRoom(c.Request.Context(), c.Param("name")); err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
	}
}
