// Package signaling is the relay core: sessions, the room membership
// registry, signal routing and the hub that ties them to the backbone.
package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/room-signaling/internal/backbone"
	"github.com/mossy-p/room-signaling/internal/models"
	"github.com/mossy-p/room-signaling/internal/token"
)

// TokenVerifier checks room-scoped access tokens.
type TokenVerifier interface {
	Verify(tokenString, expectedRoom string) (*token.Claims, error)
}

type Options struct {
	InstanceID      string
	PingInterval    time.Duration
	PongTimeout     time.Duration
	ReconnectGrace  time.Duration
	BackboneTimeout time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

func (o *Options) setDefaults() {
	if o.InstanceID == "" {
		o.InstanceID = uuid.NewString()
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 30 * time.Second
	}
	if o.BackboneTimeout <= 0 {
		o.BackboneTimeout = 2 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
}

// Hub owns the live sessions of one instance. It indexes them by room,
// keeps a bus subscription for every room with a local member, and
// delivers envelopes arriving from other instances.
type Hub struct {
	log      *slog.Logger
	opts     Options
	tokens   TokenVerifier
	bus      backbone.Bus
	registry *Registry
	router   *Router

	mu       sync.RWMutex
	sessions map[string]*Session
	local    map[string]map[string]*Session
	closed   bool
}

func NewHub(logger *slog.Logger, tokens TokenVerifier, groups backbone.Groups, bus backbone.Bus, opts Options) *Hub {
	opts.setDefaults()
	h := &Hub{
		log:      logger.With("component", "hub"),
		opts:     opts,
		tokens:   tokens,
		bus:      bus,
		registry: NewRegistry(logger, groups, opts.BackboneTimeout),
		sessions: make(map[string]*Session),
		local:    make(map[string]map[string]*Session),
	}
	h.router = NewRouter(logger, h.registry, tokens, h)
	return h
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Router() *Router     { return h.router }
func (h *Hub) InstanceID() string  { return h.opts.InstanceID }

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Open registers a new session in StateConnected.
func (h *Hub) Open() (*Session, error) {
	s := newSession(h, uuid.NewString(), uuid.NewString())

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.sessions[s.ID] = s
	return s, nil
}

// Resume looks up a session held in its grace window and reattaches it.
func (h *Hub) Resume(ctx context.Context, id, resumeKey string) (*Session, uint64, <-chan struct{}, error) {
	h.mu.RLock()
	s, ok := h.sessions[id]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, 0, nil, ErrHubClosed
	}
	if !ok {
		return nil, 0, nil, ErrResumeDenied
	}
	gen, quit, err := s.resume(ctx, resumeKey)
	if err != nil {
		return nil, 0, nil, err
	}
	return s, gen, quit, nil
}

// Run delivers envelopes published by other instances until the bus is
// closed or ctx is done.
func (h *Hub) Run(ctx context.Context) {
	msgs := h.bus.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-msgs:
			if !ok {
				return
			}
			if env.Origin == h.opts.InstanceID {
				continue
			}
			h.deliverLocal(env.Room, env.Target, env.Exclude, env.Frame, env.Version)
		}
	}
}

// Close ends every session. New connections are refused afterwards.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
	h.log.Info("hub closed", "sessions", len(sessions))
}

func (h *Hub) forget(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[s.ID]; ok && cur == s {
		delete(h.sessions, s.ID)
	}
}

// attachRoom and detachRoom run under the registry's room lock, which
// keeps bus subscribe and unsubscribe calls for one room in order.
func (h *Hub) attachRoom(ctx context.Context, room string, s *Session) {
	h.mu.Lock()
	members, ok := h.local[room]
	if !ok {
		members = make(map[string]*Session)
		h.local[room] = members
	}
	members[s.ID] = s
	h.mu.Unlock()

	if !ok {
		ctx, cancel := context.WithTimeout(ctx, h.opts.BackboneTimeout)
		defer cancel()
		if err := h.bus.Subscribe(ctx, room); err != nil {
			h.log.Warn("backbone subscribe failed", "room", room, "error", err)
		}
	}
}

func (h *Hub) detachRoom(ctx context.Context, room string, s *Session) {
	h.mu.Lock()
	members := h.local[room]
	delete(members, s.ID)
	empty := members != nil && len(members) == 0
	if empty {
		delete(h.local, room)
	}
	h.mu.Unlock()

	if empty {
		ctx, cancel := context.WithTimeout(ctx, h.opts.BackboneTimeout)
		defer cancel()
		if err := h.bus.Unsubscribe(ctx, room); err != nil {
			h.log.Warn("backbone unsubscribe failed", "room", room, "error", err)
		}
	}
}

func (h *Hub) broadcastEvent(ctx context.Context, room, exclude string, event models.EventType, data any, version uint64) {
	frame, err := models.EncodeFrame(event, "", data)
	if err != nil {
		h.log.Error("encode frame", "event", event, "error", err)
		return
	}
	h.broadcast(ctx, room, exclude, frame, version)
}

// broadcast delivers frame to every member of room except exclude, locally
// and through the bus.
func (h *Hub) broadcast(ctx context.Context, room, exclude string, frame []byte, version uint64) {
	h.deliverLocal(room, "", exclude, frame, version)
	h.publish(ctx, backbone.Envelope{Room: room, Exclude: exclude, Version: version, Frame: frame})
}

// sendTo delivers frame to a single member of room, wherever it is hosted.
func (h *Hub) sendTo(ctx context.Context, room, target string, frame []byte) {
	if h.deliverLocal(room, target, "", frame, 0) > 0 {
		return
	}
	h.publish(ctx, backbone.Envelope{Room: room, Target: target, Frame: frame})
}

func (h *Hub) publish(ctx context.Context, env backbone.Envelope) {
	env.Origin = h.opts.InstanceID
	ctx, cancel := context.WithTimeout(ctx, h.opts.BackboneTimeout)
	defer cancel()
	if err := h.bus.Publish(ctx, env); err != nil {
		h.log.Warn("backbone publish failed, delivered locally only", "room", env.Room, "error", err)
	}
}

func (h *Hub) deliverLocal(room, target, exclude string, frame []byte, version uint64) int {
	h.mu.RLock()
	recipients := make([]*Session, 0, len(h.local[room]))
	for id, s := range h.local[room] {
		if id == exclude || (target != "" && id != target) {
			continue
		}
		recipients = append(recipients, s)
	}
	h.mu.RUnlock()

	for _, s := range recipients {
		s.deliver(frame, version)
	}
	return len(recipients)
}
