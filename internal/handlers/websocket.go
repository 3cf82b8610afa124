package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/room-signaling/internal/signaling"
)

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := requestOrigin(r)
			return origin == "" || originAllowed(allowedOrigins, origin)
		},
	}
}

// HandleSignaling upgrades to the persistent signaling channel. Clients
// reconnecting inside their grace window pass sessionId and resumeKey.
func HandleSignaling(hub *signaling.Hub, upgrader *websocket.Upgrader, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		hub.ServeWS(c.Request.Context(), conn, c.Query("sessionId"), c.Query("resumeKey"))
	}
}
