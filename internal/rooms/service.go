package rooms

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/mossy-p/room-signaling/internal/apperr"
	"github.com/mossy-p/room-signaling/internal/models"
)

// TokenIssuer mints room-scoped access tokens.
type TokenIssuer interface {
	Issue(room string, ttl time.Duration) (string, time.Time, error)
}

type Options struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	JoinTokenTTL  time.Duration
	ShareTokenTTL time.Duration
}

// Service implements the room lifecycle consumed by the signaling core:
// create, join, validate, share and delete.
type Service struct {
	log    *slog.Logger
	store  *Store
	tokens TokenIssuer
	opts   Options
}

func NewService(logger *slog.Logger, store *Store, tokens TokenIssuer, opts Options) *Service {
	return &Service{
		log:    logger.With("component", "rooms"),
		store:  store,
		tokens: tokens,
		opts:   opts,
	}
}

type CreateParams struct {
	Name     string
	Verifier string
	Privacy  models.Privacy
	TTL      time.Duration
}

func (s *Service) CreateRoom(ctx context.Context, p CreateParams) (models.CreateRoomResponse, error) {
	if !models.ValidRoomName(p.Name) {
		return models.CreateRoomResponse{}, invalidName()
	}
	if p.Privacy == "" {
		p.Privacy = models.PrivacyPrivate
	}
	switch p.Privacy {
	case models.PrivacyPublic:
	case models.PrivacyPrivate:
		if p.Verifier == "" {
			return models.CreateRoomResponse{}, apperr.Validation("missing_fields", "private rooms require a verifier")
		}
	default:
		return models.CreateRoomResponse{}, apperr.Validation("invalid_privacy", "privacy must be public or private")
	}
	if p.TTL <= 0 {
		p.TTL = s.opts.DefaultTTL
	}
	if p.TTL > s.opts.MaxTTL {
		return models.CreateRoomResponse{}, apperr.Validation("invalid_ttl", "ttl exceeds the maximum room lifetime")
	}

	now := s.store.now()
	room := models.Room{
		Name:      p.Name,
		Privacy:   p.Privacy,
		Verifier:  p.Verifier,
		CreatedAt: now,
		ExpiresAt: now.Add(p.TTL),
	}
	if err := s.store.Create(ctx, room); err != nil {
		if errors.Is(err, ErrRoomExists) {
			return models.CreateRoomResponse{}, apperr.Conflict("room_exists", "room already exists")
		}
		return models.CreateRoomResponse{}, apperr.Transient("store_unavailable", err)
	}

	tok, _, err := s.tokens.Issue(room.Name, s.opts.JoinTokenTTL)
	if err != nil {
		return models.CreateRoomResponse{}, apperr.Internal(err)
	}

	s.log.Info("room created", "room", room.Name, "privacy", room.Privacy, "expires_at", room.ExpiresAt)
	return models.CreateRoomResponse{
		Name:        room.Name,
		ExpiresAt:   room.ExpiresAt,
		AccessToken: tok,
	}, nil
}

func (s *Service) JoinRoom(ctx context.Context, name, verifier string) (models.JoinRoomResponse, error) {
	room, err := s.lookup(ctx, name)
	if err != nil {
		return models.JoinRoomResponse{}, err
	}

	if room.Privacy == models.PrivacyPrivate &&
		subtle.ConstantTimeCompare([]byte(room.Verifier), []byte(verifier)) != 1 {
		s.log.Info("room join denied", "room", name, "reason", "verifier_mismatch")
		return models.JoinRoomResponse{}, apperr.Auth("unauthorized", "invalid room verifier")
	}

	tok, expiresAt, err := s.tokens.Issue(room.Name, s.opts.JoinTokenTTL)
	if err != nil {
		return models.JoinRoomResponse{}, apperr.Internal(err)
	}
	return models.JoinRoomResponse{AccessToken: tok, ExpiresAt: expiresAt}, nil
}

// ValidateRoomName reports whether name is well formed and names a live room.
func (s *Service) ValidateRoomName(ctx context.Context, name string) (models.ValidateRoomResponse, error) {
	if !models.ValidRoomName(name) {
		return models.ValidateRoomResponse{Valid: false, Exists: false}, nil
	}
	exists, err := s.store.Exists(ctx, name)
	if err != nil {
		return models.ValidateRoomResponse{}, apperr.Transient("store_unavailable", err)
	}
	return models.ValidateRoomResponse{Valid: true, Exists: exists}, nil
}

// ShareLink mints a longer-lived token for inviting others into name.
func (s *Service) ShareLink(ctx context.Context, name string) (models.ShareLinkResponse, error) {
	room, err := s.lookup(ctx, name)
	if err != nil {
		return models.ShareLinkResponse{}, err
	}

	ttl := s.opts.ShareTokenTTL
	if remaining := room.ExpiresAt.Sub(s.store.now()); remaining < ttl {
		ttl = remaining
	}
	tok, expiresAt, err := s.tokens.Issue(room.Name, ttl)
	if err != nil {
		return models.ShareLinkResponse{}, apperr.Internal(err)
	}
	return models.ShareLinkResponse{Name: room.Name, AccessToken: tok, ExpiresAt: expiresAt}, nil
}

func (s *Service) DeleteRoom(ctx context.Context, name string) error {
	if !models.ValidRoomName(name) {
		return invalidName()
	}
	if err := s.store.Delete(ctx, name); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return apperr.NotFound("room_not_found", "room not found")
		}
		return apperr.Transient("store_unavailable", err)
	}
	s.log.Info("room deleted", "room", name)
	return nil
}

// Get returns the stored record for name, applying lazy expiry.
func (s *Service) Get(ctx context.Context, name string) (models.Room, error) {
	return s.lookup(ctx, name)
}

func (s *Service) lookup(ctx context.Context, name string) (models.Room, error) {
	if !models.ValidRoomName(name) {
		return models.Room{}, invalidName()
	}
	room, err := s.store.Get(ctx, name)
	if errors.Is(err, ErrRoomNotFound) {
		return models.Room{}, apperr.NotFound("room_not_found", "room not found")
	}
	if err != nil {
		return models.Room{}, apperr.Transient("store_unavailable", err)
	}
	return room, nil
}

func invalidName() error {
	return apperr.Validation("invalid_room_name", "room name must be 1-20 letters or digits")
}
