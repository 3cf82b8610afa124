package signaling

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/room-signaling/internal/models"
	"github.com/mossy-p/room-signaling/internal/token"
)

type State int

const (
	StateConnected State = iota
	StateJoining
	StateJoined
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "closed"
	}
}

var (
	ErrResumeDenied = errors.New("session cannot be resumed")
	ErrHubClosed    = errors.New("hub closed")
)

// Session is one logical client of the relay. It outlives a single
// websocket while it is inside its reconnection grace window.
//
// opMu serializes lifecycle operations (join, leave, disconnect, resume,
// close). mu guards state and is the only lock taken on the delivery path,
// so a session never holds mu while calling into the registry.
type Session struct {
	ID        string
	resumeKey string

	hub *Hub
	log *slog.Logger

	opMu sync.Mutex

	mu          sync.Mutex
	state       State
	room        string
	name        string
	avatar      string
	lastVersion uint64
	announced   bool // userLeft already sent for the current room
	gen         uint64
	quit        chan struct{}
	grace       *time.Timer
	pending     []byte // taken from outbox but never written

	writer sync.Mutex // held by the connection's writePump
	outbox chan []byte
	done   chan struct{}
}

func newSession(h *Hub, id, resumeKey string) *Session {
	return &Session{
		ID:        id,
		resumeKey: resumeKey,
		hub:       h,
		log:       h.log.With("session", id),
		state:     StateConnected,
		outbox:    make(chan []byte, h.opts.SendBuffer),
		done:      make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the joined room, or "" when the session holds no membership.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) joinedRoom() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.state == StateJoined
}

// attach starts a new connection generation. The previous connection's quit
// channel is closed so its writer stops.
func (s *Session) attach() (uint64, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachLocked()
	s.gen++
	s.quit = make(chan struct{})
	return s.gen, s.quit
}

func (s *Session) detachLocked() {
	if s.quit != nil {
		close(s.quit)
		s.quit = nil
	}
}

// deliver queues frame for the client. Frames with a non-zero version are
// room updates and are dropped when older than one already queued. A full
// outbox drops the frame.
func (s *Session) deliver(frame []byte, version uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	if version != 0 {
		if version < s.lastVersion {
			s.log.Debug("dropping stale room update", "version", version, "last", s.lastVersion)
			return
		}
		s.lastVersion = version
	}
	select {
	case s.outbox <- frame:
	default:
		s.log.Warn("outbox full, dropping frame")
	}
}

// requeue keeps a frame the writer took but could not write.
func (s *Session) requeue(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.pending = frame
	}
}

func (s *Session) takePending() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := s.pending
	s.pending = nil
	return frame
}

func (s *Session) send(event models.EventType, requestID string, data any) {
	frame, err := models.EncodeFrame(event, requestID, data)
	if err != nil {
		s.log.Error("encode frame", "event", event, "error", err)
		return
	}
	s.deliver(frame, 0)
}

func (s *Session) ack(requestID, code, reason string) {
	if requestID == "" {
		return
	}
	s.send(models.EventAck, requestID, models.AckEvent{OK: code == "", Error: code, Reason: reason})
}

func (s *Session) deny(requestID, code, reason string) {
	s.send(models.EventError, "", models.ErrorEvent{Error: code, Reason: reason})
	s.ack(requestID, code, reason)
}

// join verifies req and moves the session into req.Room. A session already
// joined elsewhere leaves its old room only once the new token verifies;
// a failed switch keeps the old membership.
func (s *Session) join(ctx context.Context, requestID string, req models.JoinRequest) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	prev, prevRoom := s.state, s.room
	if prev != StateConnected && prev != StateJoined {
		s.mu.Unlock()
		return
	}
	s.state = StateJoining
	s.mu.Unlock()

	restore := func() {
		s.mu.Lock()
		s.state = prev
		s.mu.Unlock()
	}

	if !models.ValidRoomName(req.Room) {
		restore()
		s.deny(requestID, "invalid_room_name", "")
		return
	}
	if _, err := s.hub.tokens.Verify(req.AccessToken, req.Room); err != nil {
		restore()
		reason := token.Reason(err)
		s.log.Info("join denied", "room", req.Room, "reason", reason, "error", err)
		s.deny(requestID, "access_denied", reason)
		return
	}

	if prev == StateJoined && prevRoom == req.Room {
		s.mu.Lock()
		s.state = StateJoined
		s.name, s.avatar = req.Name, req.Avatar
		s.mu.Unlock()
		s.hub.registry.View(ctx, req.Room, func(snap Snapshot) {
			s.send(models.EventRoomUpdate, "", roomUpdate(snap))
		})
		s.ack(requestID, "", "")
		return
	}
	if prev == StateJoined {
		s.leaveRoom(ctx, prevRoom, false)
	}

	s.mu.Lock()
	s.state = StateJoined
	s.room = req.Room
	s.name, s.avatar = req.Name, req.Avatar
	s.lastVersion = 0
	s.announced = false
	s.mu.Unlock()

	s.hub.registry.Join(ctx, req.Room, s.ID, func(snap Snapshot) {
		s.hub.attachRoom(ctx, req.Room, s)
		s.announceJoin(ctx, snap, req.Name, req.Avatar)
	})
	s.log.Info("joined room", "room", req.Room)
	s.ack(requestID, "", "")
}

func (s *Session) announceJoin(ctx context.Context, snap Snapshot, name, avatar string) {
	s.hub.broadcastEvent(ctx, snap.Room, "", models.EventUserJoined, models.UserJoinedEvent{
		ID:     s.ID,
		Room:   snap.Room,
		Count:  snap.Count,
		Name:   name,
		Avatar: avatar,
	}, 0)
	s.hub.broadcastEvent(ctx, snap.Room, "", models.EventRoomUpdate, roomUpdate(snap), snap.Version)
}

// leave handles an explicit leave frame: the session keeps its connection
// and returns to StateConnected.
func (s *Session) leave(ctx context.Context, requestID string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateJoined {
		s.mu.Unlock()
		s.ack(requestID, "not_joined", "")
		return
	}
	room := s.room
	s.mu.Unlock()

	s.leaveRoom(ctx, room, false)

	s.mu.Lock()
	s.state = StateConnected
	s.room = ""
	s.mu.Unlock()
	s.ack(requestID, "", "")
}

// leaveRoom removes the session from room and tells the remaining members.
// userLeft is skipped when it was already sent on entering Disconnecting.
func (s *Session) leaveRoom(ctx context.Context, room string, announced bool) {
	s.hub.registry.Leave(ctx, room, s.ID, func(snap Snapshot) {
		if !announced {
			s.hub.broadcastEvent(ctx, room, s.ID, models.EventUserLeft, models.UserLeftEvent{
				ID:    s.ID,
				Room:  room,
				Count: snap.Count,
			}, 0)
		}
		s.hub.broadcastEvent(ctx, room, s.ID, models.EventRoomUpdate, roomUpdate(snap), snap.Version)
		s.hub.detachRoom(ctx, room, s)
	})
	s.log.Info("left room", "room", room)
}

// disconnect handles loss of the connection of generation gen. A joined
// session enters its grace window unless the client closed cleanly or
// grace is disabled; anything else closes immediately.
func (s *Session) disconnect(ctx context.Context, gen uint64, graceful bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.state == StateClosed || s.state == StateDisconnecting {
		s.mu.Unlock()
		return
	}
	grace := s.hub.opts.ReconnectGrace
	if s.state != StateJoined || graceful || grace <= 0 {
		s.mu.Unlock()
		s.closeLocked(ctx)
		return
	}

	room := s.room
	s.state = StateDisconnecting
	s.announced = true
	s.detachLocked()
	s.grace = time.AfterFunc(grace, func() { s.expire(gen) })
	s.mu.Unlock()

	s.log.Info("connection lost, holding session", "room", room, "grace", grace)
	s.hub.registry.View(ctx, room, func(snap Snapshot) {
		count := snap.Count - 1
		if count < 0 {
			count = 0
		}
		s.hub.broadcastEvent(ctx, room, s.ID, models.EventUserLeft, models.UserLeftEvent{
			ID:    s.ID,
			Room:  room,
			Count: count,
		}, 0)
	})
}

func (s *Session) expire(gen uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	stale := s.gen != gen || s.state != StateDisconnecting
	s.mu.Unlock()
	if stale {
		return
	}
	s.log.Info("reconnection grace expired")
	s.closeLocked(context.Background())
}

// resume reattaches a session held in its grace window. Frames queued while
// the client was away stay in the outbox and reach the new connection.
func (s *Session) resume(ctx context.Context, key string) (uint64, <-chan struct{}, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != StateDisconnecting || subtle.ConstantTimeCompare([]byte(s.resumeKey), []byte(key)) != 1 {
		s.mu.Unlock()
		return 0, nil, ErrResumeDenied
	}
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.state = StateJoined
	s.announced = false
	room, name, avatar := s.room, s.name, s.avatar
	s.mu.Unlock()

	gen, quit := s.attach()
	s.log.Info("session resumed", "room", room)
	s.hub.registry.View(ctx, room, func(snap Snapshot) {
		s.announceJoin(ctx, snap, name, avatar)
	})
	return gen, quit, nil
}

// Close moves the session to StateClosed, releasing its room membership.
// Calling it more than once has no further effect.
func (s *Session) Close(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.closeLocked(ctx)
}

func (s *Session) closeLocked(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev, room, announced := s.state, s.room, s.announced
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.mu.Unlock()

	if room != "" && (prev == StateJoined || prev == StateDisconnecting) {
		s.leaveRoom(ctx, room, announced)
	}

	s.mu.Lock()
	s.state = StateClosed
	s.room = ""
	s.pending = nil
	s.detachLocked()
	close(s.done)
	s.mu.Unlock()

	s.hub.forget(s)
	s.log.Info("session closed", "from", prev)
}

func roomUpdate(snap Snapshot) models.RoomUpdateEvent {
	members := snap.Members
	if members == nil {
		members = []string{}
	}
	return models.RoomUpdateEvent{
		Room:    snap.Room,
		Members: members,
		Count:   snap.Count,
		Version: snap.Version,
	}
}
