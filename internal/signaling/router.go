package signaling

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mossy-p/room-signaling/internal/apperr"
	"github.com/mossy-p/room-signaling/internal/models"
	"github.com/mossy-p/room-signaling/internal/token"
)

type delivery interface {
	broadcast(ctx context.Context, room, exclude string, frame []byte, version uint64)
	sendTo(ctx context.Context, room, target string, frame []byte)
}

// Router relays offers, answers and ICE candidates between room members.
type Router struct {
	log      *slog.Logger
	registry *Registry
	tokens   TokenVerifier
	out      delivery
}

func NewRouter(logger *slog.Logger, registry *Registry, tokens TokenVerifier, out delivery) *Router {
	return &Router{
		log:      logger.With("component", "router"),
		registry: registry,
		tokens:   tokens,
		out:      out,
	}
}

// Route relays a signal frame from a session. Signals from sessions that
// are not joined, undecodable payloads and unknown types are dropped
// without telling the sender.
func (r *Router) Route(ctx context.Context, s *Session, data json.RawMessage) {
	room, ok := s.joinedRoom()
	if !ok {
		r.log.Debug("dropping signal from session outside a room", "session", s.ID)
		return
	}

	var p models.SignalPayload
	if err := models.DecodeStrict(data, &p); err != nil {
		r.log.Debug("dropping malformed signal", "session", s.ID, "error", err)
		return
	}
	if !p.Type.Valid() {
		r.log.Debug("dropping signal of unknown type", "session", s.ID, "type", p.Type)
		return
	}
	r.relay(ctx, room, s.ID, p)
}

// StatelessSignal is a signal submitted without a persistent connection.
type StatelessSignal struct {
	Room        string
	SenderID    string
	AccessToken string
	Payload     json.RawMessage
}

// RouteStateless relays sig after re-verifying its token. Unlike Route it
// reports every rejection to the caller.
func (r *Router) RouteStateless(ctx context.Context, sig StatelessSignal) error {
	if sig.Room == "" || sig.SenderID == "" || sig.AccessToken == "" || len(sig.Payload) == 0 {
		return apperr.Validation("missing_fields", "room, payload, senderId and accessToken are required")
	}

	var p models.SignalPayload
	if err := models.DecodeStrict(sig.Payload, &p); err != nil {
		return apperr.Validation("invalid_payload", "payload is not a signal message")
	}
	if !p.Type.Valid() {
		return apperr.Validation("invalid_signal_type", "type must be offer, answer or ice-candidate")
	}

	if _, err := r.tokens.Verify(sig.AccessToken, sig.Room); err != nil {
		reason := token.Reason(err)
		r.log.Info("stateless signal denied", "room", sig.Room, "reason", reason, "error", err)
		return apperr.Auth("access_denied", reason)
	}

	r.relay(ctx, sig.Room, sig.SenderID, p)
	return nil
}

// relay stamps the sender and delivers p. A target that is not a current
// member of room falls back to a broadcast so a racing id never loses the
// message.
func (r *Router) relay(ctx context.Context, room, sender string, p models.SignalPayload) {
	frame, err := models.EncodeFrame(models.EventSignal, "", models.SignalEvent{SignalPayload: p, SenderID: sender})
	if err != nil {
		r.log.Error("encode signal", "room", room, "error", err)
		return
	}

	if p.To != "" && p.To != sender && r.registry.IsMember(ctx, room, p.To) {
		r.out.sendTo(ctx, room, p.To, frame)
		return
	}
	r.out.broadcast(ctx, room, sender, frame, 0)
}
