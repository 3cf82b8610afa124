package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mossy-p/room-signaling/config"
	"github.com/mossy-p/room-signaling/internal/backbone"
	"github.com/mossy-p/room-signaling/internal/handlers"
	"github.com/mossy-p/room-signaling/internal/redis"
	"github.com/mossy-p/room-signaling/internal/rooms"
	"github.com/mossy-p/room-signaling/internal/signaling"
	"github.com/mossy-p/room-signaling/internal/token"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	logger.Info("redis connection established", "addr", cfg.Redis.Host+":"+cfg.Redis.Port)

	groups, bus, err := newBackbone(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	tokens := token.NewService(cfg.JWTSecret)
	roomSvc := rooms.NewService(logger, rooms.NewStore(rdb), tokens, rooms.Options{
		DefaultTTL:    cfg.Rooms.DefaultTTL,
		MaxTTL:        cfg.Rooms.MaxTTL,
		JoinTokenTTL:  cfg.Tokens.JoinTTL,
		ShareTokenTTL: cfg.Tokens.ShareTTL,
	})
	hub := signaling.NewHub(logger, tokens, groups, bus, signaling.Options{
		InstanceID:      cfg.InstanceID,
		PingInterval:    cfg.Signaling.PingInterval,
		PongTimeout:     cfg.Signaling.PongTimeout,
		ReconnectGrace:  cfg.Signaling.ReconnectGrace,
		BackboneTimeout: cfg.Signaling.BackboneTimeout,
		MaxMessageBytes: cfg.Signaling.MaxMessageBytes,
		SendBuffer:      cfg.Signaling.SendBuffer,
	})
	go hub.Run(ctx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewRouter(handlers.Deps{
			Logger:         logger,
			AllowedOrigins: cfg.AllowedOrigins,
			ICEServers:     cfg.ICEServers(),
			Rooms:          roomSvc,
			Hub:            hub,
			Tokens:         tokens,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting signaling server",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"backbone", cfg.Signaling.Backbone,
			"reconnect_grace", cfg.Signaling.ReconnectGrace,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		hub.Close(context.Background())
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Websockets are hijacked and not drained by Shutdown.
	hub.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newBackbone selects the shared membership store and bus. The local
// backbone keeps both in process and only suits a single instance.
func newBackbone(ctx context.Context, cfg *config.Config, rdb *goredis.Client, logger *slog.Logger) (backbone.Groups, backbone.Bus, error) {
	if cfg.Signaling.Backbone == config.BackboneLocal {
		logger.Warn("using in-process backbone; rooms will not span instances")
		return backbone.NewMemoryGroups(), backbone.NewMemoryNetwork().Connect(cfg.Signaling.SendBuffer), nil
	}
	bus, err := backbone.NewRedisBus(ctx, rdb, cfg.InstanceID, cfg.Signaling.SendBuffer, logger)
	if err != nil {
		return nil, nil, err
	}
	return backbone.NewRedisGroups(rdb), bus, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagPort, "port", "p", "", "Override PORT")
}
