package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	BackboneRedis = "redis"
	BackboneLocal = "local"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	InstanceID     string

	Tokens    TokenConfig
	Rooms     RoomConfig
	Signaling SignalingConfig
	Log       LogConfig
	ICE       ICEConfig
	Redis     RedisConfig
}

// TokenConfig holds the lifetimes of room-scoped access tokens. Join tokens
// are handed out on create/join; share tokens back invite links.
type TokenConfig struct {
	JoinTTL  time.Duration
	ShareTTL time.Duration
}

type RoomConfig struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

type SignalingConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	ReconnectGrace  time.Duration
	Backbone        string
	BackboneTimeout time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

type LogConfig struct {
	Level  slog.Level
	Format string
}

type ICEConfig struct {
	URLs       []string
	Username   string
	Credential string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

const defaultSecret = "change-me-in-production"

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	env := envReader{lookup: lookup}

	// Parse allowed origins (comma-separated)
	origins := splitList(env.str("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	cfg := &Config{
		Port:           env.str("PORT", "8080"),
		Environment:    env.str("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      env.str("JWT_SECRET", defaultSecret),
		InstanceID:     env.str("INSTANCE_ID", uuid.NewString()),
		Tokens: TokenConfig{
			JoinTTL:  env.duration("JOIN_TOKEN_TTL", 10*time.Minute),
			ShareTTL: env.duration("SHARE_TOKEN_TTL", 60*time.Minute),
		},
		Rooms: RoomConfig{
			DefaultTTL: env.duration("ROOM_TTL", 120*time.Minute),
			MaxTTL:     env.duration("ROOM_MAX_TTL", 24*time.Hour),
		},
		Signaling: SignalingConfig{
			PingInterval:    env.duration("PING_INTERVAL", 10*time.Second),
			PongTimeout:     env.duration("PONG_TIMEOUT", 30*time.Second),
			ReconnectGrace:  env.duration("RECONNECT_GRACE", 2*time.Minute),
			Backbone:        strings.ToLower(env.str("BACKBONE", BackboneRedis)),
			BackboneTimeout: env.duration("BACKBONE_TIMEOUT", 2*time.Second),
			MaxMessageBytes: int64(env.integer("MAX_MESSAGE_BYTES", 64*1024)),
			SendBuffer:      env.integer("SEND_BUFFER", 256),
		},
		ICE: ICEConfig{
			URLs:       splitList(env.str("ICE_SERVERS", "stun:stun.l.google.com:19302")),
			Username:   env.str("TURN_USERNAME", ""),
			Credential: env.str("TURN_CREDENTIAL", ""),
		},
		Redis: RedisConfig{
			Host:     env.str("REDIS_HOST", "localhost"),
			Port:     env.str("REDIS_PORT", "6379"),
			Password: env.str("REDIS_PASSWORD", ""),
			DB:       env.integer("REDIS_DB", 0),
		},
	}

	level, err := ParseLogLevel(env.str("LOG_LEVEL", defaultLogLevel(cfg.Environment)))
	if err != nil {
		env.errs = append(env.errs, err)
	}
	cfg.Log = LogConfig{
		Level:  level,
		Format: strings.ToLower(env.str("LOG_FORMAT", defaultLogFormat(cfg.Environment))),
	}

	if len(env.errs) > 0 {
		return nil, env.errs[0]
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate checks invariants that cannot be expressed as defaults.
func (c *Config) Validate() error {
	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == defaultSecret) {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if c.Tokens.JoinTTL <= 0 || c.Tokens.ShareTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.Rooms.DefaultTTL <= 0 || c.Rooms.MaxTTL < c.Rooms.DefaultTTL {
		return fmt.Errorf("ROOM_TTL must be positive and not exceed ROOM_MAX_TTL")
	}
	if c.Signaling.PingInterval <= 0 || c.Signaling.PongTimeout <= c.Signaling.PingInterval {
		return fmt.Errorf("PONG_TIMEOUT must be greater than PING_INTERVAL")
	}
	if c.Signaling.ReconnectGrace < 0 {
		return fmt.Errorf("RECONNECT_GRACE must not be negative")
	}
	switch c.Signaling.Backbone {
	case BackboneRedis, BackboneLocal:
	default:
		return fmt.Errorf("invalid BACKBONE %q (expected redis or local)", c.Signaling.Backbone)
	}
	if c.Signaling.MaxMessageBytes <= 0 || c.Signaling.SendBuffer <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES and SEND_BUFFER must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q (expected text or json)", c.Log.Format)
	}
	for _, raw := range c.ICE.URLs {
		if _, err := stun.ParseURI(raw); err != nil {
			return fmt.Errorf("invalid ICE server %q: %w", raw, err)
		}
	}
	return nil
}

// ICEServers returns the configured STUN/TURN servers in the shape browsers
// expect for RTCPeerConnection.
func (c *Config) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICE.URLs))
	for _, raw := range c.ICE.URLs {
		server := webrtc.ICEServer{URLs: []string{raw}}
		if strings.HasPrefix(raw, "turn:") || strings.HasPrefix(raw, "turns:") {
			server.Username = c.ICE.Username
			server.Credential = c.ICE.Credential
		}
		servers = append(servers, server)
	}
	return servers
}

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Log.Level}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("instance", cfg.InstanceID)
}

func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func defaultLogLevel(environment string) string {
	if environment == "production" {
		return "info"
	}
	return "debug"
}

func defaultLogFormat(environment string) string {
	if environment == "production" {
		return "json"
	}
	return "text"
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(key, defaultValue string) string {
	if value, ok := e.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func (e *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return defaultValue
	}
	return d
}

func (e *envReader) integer(key string, defaultValue int) int {
	raw := e.str(key, "")
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s %q: %w", key, raw, err))
		return defaultValue
	}
	return n
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
