package signaling

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/room-signaling/internal/models"
)

const writeWait = 10 * time.Second

// ServeWS runs a websocket connection until it closes. A non-empty
// sessionID and resumeKey reattach a session held in its grace window;
// otherwise, or when resuming fails, a fresh session is opened.
func (h *Hub) ServeWS(ctx context.Context, conn *websocket.Conn, sessionID, resumeKey string) {
	ctx = context.WithoutCancel(ctx)

	var (
		s       *Session
		gen     uint64
		quit    <-chan struct{}
		resumed bool
		err     error
	)
	if sessionID != "" && resumeKey != "" {
		s, gen, quit, err = h.Resume(ctx, sessionID, resumeKey)
		resumed = err == nil
		if err != nil {
			h.log.Debug("resume refused, opening new session", "session", sessionID, "error", err)
		}
	}
	if !resumed {
		s, err = h.Open()
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}
		gen, quit = s.attach()
	}

	hello, err := models.EncodeFrame(models.EventSession, "", models.SessionEvent{
		ID:        s.ID,
		ResumeKey: s.resumeKey,
		Resumed:   resumed,
		Room:      s.Room(),
	})
	if err != nil {
		h.log.Error("encode session frame", "error", err)
		_ = conn.Close()
		s.Close(ctx)
		return
	}

	go h.writePump(conn, s, quit, hello)
	h.readPump(ctx, conn, s, gen)
}

func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, s *Session, gen uint64) {
	graceful := false
	defer func() {
		_ = conn.Close()
		s.disconnect(ctx, gen, graceful)
	}()

	conn.SetReadLimit(h.opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			graceful = websocket.IsCloseError(err, websocket.CloseNormalClosure)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
		h.handleFrame(ctx, s, message)
	}
}

func (h *Hub) handleFrame(ctx context.Context, s *Session, message []byte) {
	f, err := models.DecodeFrame(message)
	if err != nil {
		s.log.Debug("dropping malformed frame", "error", err)
		return
	}

	switch f.Event {
	case models.EventJoinRequest:
		var req models.JoinRequest
		if err := models.DecodeStrict(f.Data, &req); err != nil {
			s.log.Debug("rejecting malformed join request", "error", err)
			s.deny(f.RequestID, "invalid_payload", "")
			return
		}
		s.join(ctx, f.RequestID, req)
	case models.EventSignal:
		h.router.Route(ctx, s, f.Data)
	case models.EventLeave:
		s.leave(ctx, f.RequestID)
	default:
		s.log.Debug("dropping frame with unknown event", "event", f.Event)
	}
}

// writePump is the only writer of conn. A session has at most one running
// writePump at a time; a frame taken from the outbox that could not be
// written is handed back so the next connection sends it first.
func (h *Hub) writePump(conn *websocket.Conn, s *Session, quit <-chan struct{}, first []byte) {
	s.writer.Lock()
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		s.writer.Unlock()
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, first); err != nil {
		return
	}
	if pending := s.takePending(); pending != nil {
		if !h.write(conn, s, pending) {
			return
		}
	}

	for {
		select {
		case <-quit:
			closeConn(conn)
			return

		case message := <-s.outbox:
			select {
			case <-quit:
				s.requeue(message)
				closeConn(conn)
				return
			default:
			}
			if !h.write(conn, s, message) {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, s *Session, message []byte) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		s.log.Debug("websocket write failed", "error", err)
		s.requeue(message)
		return false
	}
	return true
}

func closeConn(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
