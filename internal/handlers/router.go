package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/room-signaling/internal/middleware"
	"github.com/mossy-p/room-signaling/internal/rooms"
	"github.com/mossy-p/room-signaling/internal/signaling"
)

type Deps struct {
	Logger         *slog.Logger
	AllowedOrigins []string
	ICEServers     []webrtc.ICEServer
	Rooms          *rooms.Service
	Hub            *signaling.Hub
	Tokens         middleware.RoomTokenVerifier
}

// NewRouter wires every HTTP and websocket route.
func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger.With("component", "http")

	router := gin.New()
	router.Use(Recovery(logger), RequestID(), RequestLogger(logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(d.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"instance": d.Hub.InstanceID(),
			"sessions": d.Hub.SessionCount(),
		})
	})

	api := router.Group("/api")
	{
		api.GET("/ice", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"iceServers": d.ICEServers})
		})

		api.POST("/rooms", CreateRoom(d.Rooms, logger))
		api.POST("/rooms/:name/join", JoinRoom(d.Rooms, logger))
		api.GET("/rooms/:name/validate", ValidateRoom(d.Rooms, logger))

		// Room token required
		auth := middleware.RoomTokenAuth(d.Tokens)
		api.POST("/rooms/:name/share", auth, ShareRoom(d.Rooms, logger))
		api.DELETE("/rooms/:name", auth, DeleteRoom(d.Rooms, logger))

		api.POST("/signal", StatelessSignal(d.Hub.Router(), logger))
	}

	router.GET("/ws/signal", HandleSignaling(d.Hub, newUpgrader(d.AllowedOrigins), logger))

	return router
}
