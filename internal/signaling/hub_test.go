package signaling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mossy-p/room-signaling/internal/apperr"
	"github.com/mossy-p/room-signaling/internal/backbone"
	"github.com/mossy-p/room-signaling/internal/models"
	"github.com/mossy-p/room-signaling/internal/token"
)

type fixture struct {
	t      *testing.T
	tokens *token.Service
	groups backbone.Groups
	net    *backbone.MemoryNetwork
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:      t,
		tokens: token.NewService("test-secret"),
		groups: backbone.NewMemoryGroups(),
		net:    backbone.NewMemoryNetwork(),
	}
}

func (f *fixture) hub(opts Options) *Hub {
	bus := f.net.Connect(64)
	h := NewHub(discardLogger(), f.tokens, f.groups, bus, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	f.t.Cleanup(func() {
		cancel()
		h.Close(context.Background())
		_ = bus.Close()
	})
	return h
}

func (f *fixture) token(room string) string {
	tok, _, err := f.tokens.Issue(room, time.Minute)
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) session(h *Hub) (*Session, uint64) {
	s, err := h.Open()
	require.NoError(f.t, err)
	gen, _ := s.attach()
	return s, gen
}

func (f *fixture) joined(h *Hub, room string) *Session {
	s, _ := f.session(h)
	s.join(context.Background(), "", models.JoinRequest{Room: room, AccessToken: f.token(room)})
	require.Equal(f.t, StateJoined, s.State())
	return s
}

func recv(t *testing.T, s *Session) models.Frame {
	t.Helper()
	select {
	case b := <-s.outbox:
		f, err := models.DecodeFrame(b)
		require.NoError(t, err)
		return f
	case <-time.After(time.Second):
		t.Fatalf("session %s received nothing", s.ID)
		return models.Frame{}
	}
}

func recvEvent[T any](t *testing.T, s *Session, event models.EventType) T {
	t.Helper()
	f := recv(t, s)
	require.Equal(t, event, f.Event)
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func requireQuiet(t *testing.T, sessions ...*Session) {
	t.Helper()
	for _, s := range sessions {
		require.Zero(t, len(s.outbox), "session %s has pending frames", s.ID)
	}
}

func drain(sessions ...*Session) {
	for _, s := range sessions {
		for len(s.outbox) > 0 {
			<-s.outbox
		}
	}
}

func signal(t *testing.T, typ, to string) json.RawMessage {
	b, err := json.Marshal(map[string]any{"type": typ, "to": to, "sdp": map[string]string{"type": typ, "sdp": "v=0"}})
	require.NoError(t, err)
	return b
}

func TestJoin_AnnouncesToRoom(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})

	a := f.joined(h, "demo123")
	joined := recvEvent[models.UserJoinedEvent](t, a, models.EventUserJoined)
	require.Equal(t, models.UserJoinedEvent{ID: a.ID, Room: "demo123", Count: 1}, joined)
	update := recvEvent[models.RoomUpdateEvent](t, a, models.EventRoomUpdate)
	require.Equal(t, []string{a.ID}, update.Members)

	b, _ := f.session(h)
	b.join(context.Background(), "r1", models.JoinRequest{Room: "demo123", AccessToken: f.token("demo123"), Name: "bob"})

	for _, s := range []*Session{a, b} {
		joined := recvEvent[models.UserJoinedEvent](t, s, models.EventUserJoined)
		require.Equal(t, b.ID, joined.ID)
		require.Equal(t, 2, joined.Count)
		require.Equal(t, "bob", joined.Name)
		update := recvEvent[models.RoomUpdateEvent](t, s, models.EventRoomUpdate)
		require.Equal(t, 2, update.Count)
		require.ElementsMatch(t, []string{a.ID, b.ID}, update.Members)
	}

	ack := recv(t, b)
	require.Equal(t, models.EventAck, ack.Event)
	require.Equal(t, "r1", ack.RequestID)
	requireQuiet(t, a, b)
}

func TestJoin_DeniedIsPrivate(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	a := f.joined(h, "demo123")
	drain(a)

	b, _ := f.session(h)
	b.join(context.Background(), "req", models.JoinRequest{Room: "demo123", AccessToken: f.token("other")})

	require.Equal(t, StateConnected, b.State())
	denied := recvEvent[models.ErrorEvent](t, b, models.EventError)
	require.Equal(t, models.ErrorEvent{Error: "access_denied", Reason: "room_mismatch"}, denied)
	ack := recvEvent[models.AckEvent](t, b, models.EventAck)
	require.False(t, ack.OK)
	requireQuiet(t, a, b)
	require.Equal(t, 1, h.Registry().Snapshot(context.Background(), "demo123").Count)
}

func TestJoin_SameRoomIsIdempotent(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	a := f.joined(h, "demo123")
	b := f.joined(h, "demo123")
	drain(a, b)

	a.join(context.Background(), "", models.JoinRequest{Room: "demo123", AccessToken: f.token("demo123")})

	update := recvEvent[models.RoomUpdateEvent](t, a, models.EventRoomUpdate)
	require.Equal(t, 2, update.Count)
	requireQuiet(t, a, b)
}

func TestJoin_SwitchRoomsLeavesOldRoom(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	a := f.joined(h, "one")
	b := f.joined(h, "one")
	drain(a, b)

	a.join(context.Background(), "", models.JoinRequest{Room: "two", AccessToken: "garbage"})
	require.Equal(t, StateJoined, a.State())
	require.Equal(t, "one", a.Room())
	drain(a)
	requireQuiet(t, b)

	a.join(context.Background(), "", models.JoinRequest{Room: "two", AccessToken: f.token("two")})
	require.Equal(t, "two", a.Room())

	left := recvEvent[models.UserLeftEvent](t, b, models.EventUserLeft)
	require.Equal(t, models.UserLeftEvent{ID: a.ID, Room: "one", Count: 1}, left)
	update := recvEvent[models.RoomUpdateEvent](t, b, models.EventRoomUpdate)
	require.Equal(t, []string{b.ID}, update.Members)
	requireQuiet(t, b)

	ctx := context.Background()
	require.False(t, h.Registry().IsMember(ctx, "one", a.ID))
	require.True(t, h.Registry().IsMember(ctx, "two", a.ID))
}

func TestLeaveFrameReturnsToConnected(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	a := f.joined(h, "demo123")
	b := f.joined(h, "demo123")
	drain(a, b)

	a.leave(context.Background(), "bye")
	require.Equal(t, StateConnected, a.State())
	ack := recvEvent[models.AckEvent](t, a, models.EventAck)
	require.True(t, ack.OK)

	left := recvEvent[models.UserLeftEvent](t, b, models.EventUserLeft)
	require.Equal(t, 1, left.Count)
	recvEvent[models.RoomUpdateEvent](t, b, models.EventRoomUpdate)

	a.leave(context.Background(), "again")
	ack = recvEvent[models.AckEvent](t, a, models.EventAck)
	require.Equal(t, models.AckEvent{OK: false, Error: "not_joined"}, ack)
}

func TestRoute_Unicast(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	a := f.joined(h, "x")
	b := f.joined(h, "x")
	c := f.joined(h, "x")
	drain(a, b, c)

	h.Router().Route(context.Background(), a, signal(t, "offer", b.ID))

	got := recvEvent[models.SignalEvent](t, b, models.EventSignal)
	require.Equal(t, a.ID, got.SenderID)
	require.Equal(t, models.SignalTypeOffer, got.Type)
	require.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(got.SDP))
	requireQuiet(t, a, b, c)
}

func TestRoute_PreservesOrderPerSenderAndTarget(t *testing.T) {
	f := newFixture(t)
	local := f.hub(Options{InstanceID: "one"})
	remote := f.hub(Options{InstanceID: "two"})

	a := f.joined(local, "x")
	b := f.joined(local, "x")
	drain(a, b)
	c := f.joined(remote, "x")
	drain(c)
	for _, s := range []*Session{a, b} {
		recvEvent[models.UserJoinedEvent](t, s, models.EventUserJoined)
		recvEvent[models.RoomUpdateEvent](t, s, models.EventRoomUpdate)
	}

	const n = 32
	for i := 0; i < n; i++ {
		for _, target := range []*Session{b, c} {
			payload, err := json.Marshal(map[string]any{
				"type":      "ice-candidate",
				"to":        target.ID,
				"candidate": map[string]int{"seq": i},
			})
			require.NoError(t, err)
			local.Router().Route(context.Background(), a, payload)
		}
	}

	for _, target := range []*Session{b, c} {
		for i := 0; i < n; i++ {
			got := recvEvent[models.SignalEvent](t, target, models.EventSignal)
			require.Equal(t, a.ID, got.SenderID)
			var cand struct{ Seq int }
			require.NoError(t, json.Unmarshal(got.Candidate, &cand))
			require.Equal(t, i, cand.Seq, "target %s", target.ID)
		}
	}
	requireQuiet(t, a, b, c)
}

func TestRoute_UnknownTargetFallsBackToBroadcast(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	a := f.joined(h, "x")
	b := f.joined(h, "x")
	c := f.joined(h, "x")
	other := f.joined(h, "y")
	drain(a, b, c, other)

	h.Router().Route(context.Background(), a, signal(t, "ice-candidate", "ghost"))

	for _, s := range []*Session{b, c} {
		got := recvEvent[models.SignalEvent](t, s, models.EventSignal)
		require.Equal(t, a.ID, got.SenderID)
	}
	requireQuiet(t, a, b, c, other)

	// A target in another room is not a member here.
	h.Router().Route(context.Background(), a, signal(t, "answer", other.ID))
	recvEvent[models.SignalEvent](t, b, models.EventSignal)
	recvEvent[models.SignalEvent](t, c, models.EventSignal)
	requireQuiet(t, a, other)
}

func TestRoute_SenderIDCannotBeForged(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	a := f.joined(h, "x")
	b := f.joined(h, "x")
	drain(a, b)

	// senderId is not part of an inbound signal, so a client cannot set it.
	h.Router().Route(context.Background(), a, json.RawMessage(`{"type":"offer","senderId":"mallory"}`))
	requireQuiet(t, a, b)

	h.Router().Route(context.Background(), a, json.RawMessage(`{"type":"offer"}`))
	got := recvEvent[models.SignalEvent](t, b, models.EventSignal)
	require.Equal(t, a.ID, got.SenderID)
}

func TestRoute_DropsUnknownTypesAndUnjoinedSenders(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	a := f.joined(h, "x")
	b := f.joined(h, "x")
	outsider, _ := f.session(h)
	drain(a, b)

	h.Router().Route(context.Background(), a, signal(t, "ping", b.ID))
	h.Router().Route(context.Background(), a, json.RawMessage(`not json`))
	h.Router().Route(context.Background(), outsider, signal(t, "offer", b.ID))
	requireQuiet(t, a, b, outsider)
}

func TestRouteStateless(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	a := f.joined(h, "x")
	b := f.joined(h, "x")
	drain(a, b)
	ctx := context.Background()

	err := h.Router().RouteStateless(ctx, StatelessSignal{Room: "x", SenderID: "http-1", Payload: signal(t, "offer", "")})
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	err = h.Router().RouteStateless(ctx, StatelessSignal{
		Room: "x", SenderID: "http-1", AccessToken: f.token("x"), Payload: signal(t, "ping", ""),
	})
	code, _ := apperr.Public(err)
	require.Equal(t, "invalid_signal_type", code)

	err = h.Router().RouteStateless(ctx, StatelessSignal{
		Room: "x", SenderID: "http-1", AccessToken: f.token("y"), Payload: signal(t, "offer", ""),
	})
	require.Equal(t, apperr.KindAuth, apperr.KindOf(err))
	requireQuiet(t, a, b)

	err = h.Router().RouteStateless(ctx, StatelessSignal{
		Room: "x", SenderID: "http-1", AccessToken: f.token("x"), Payload: signal(t, "answer", b.ID),
	})
	require.NoError(t, err)
	got := recvEvent[models.SignalEvent](t, b, models.EventSignal)
	require.Equal(t, "http-1", got.SenderID)
	requireQuiet(t, a)
}

func TestClose_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	a := f.joined(h, "x")
	b := f.joined(h, "x")
	drain(a, b)

	a.Close(context.Background())
	a.Close(context.Background())

	left := recvEvent[models.UserLeftEvent](t, b, models.EventUserLeft)
	require.Equal(t, 1, left.Count)
	update := recvEvent[models.RoomUpdateEvent](t, b, models.EventRoomUpdate)
	require.Equal(t, []string{b.ID}, update.Members)
	requireQuiet(t, b)

	require.Equal(t, StateClosed, a.State())
	require.Equal(t, 1, h.SessionCount())
	require.Equal(t, 1, h.Registry().Snapshot(context.Background(), "x").Count)
	<-a.Done()
}

func TestDisconnect_GraceThenResume(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{ReconnectGrace: time.Minute})
	a := f.joined(h, "x")
	b := f.joined(h, "x")
	drain(a, b)
	ctx := context.Background()

	a.mu.Lock()
	gen := a.gen
	a.mu.Unlock()
	a.disconnect(ctx, gen, false)
	require.Equal(t, StateDisconnecting, a.State())

	left := recvEvent[models.UserLeftEvent](t, b, models.EventUserLeft)
	require.Equal(t, 1, left.Count)
	require.Equal(t, 2, h.Registry().Snapshot(ctx, "x").Count, "membership survives the grace window")

	h.Router().Route(ctx, b, signal(t, "offer", a.ID))

	_, _, _, err := h.Resume(ctx, a.ID, "wrong-key")
	require.ErrorIs(t, err, ErrResumeDenied)

	resumed, _, _, err := h.Resume(ctx, a.ID, a.resumeKey)
	require.NoError(t, err)
	require.Same(t, a, resumed)
	require.Equal(t, StateJoined, a.State())

	buffered := recvEvent[models.SignalEvent](t, a, models.EventSignal)
	require.Equal(t, b.ID, buffered.SenderID)

	joined := recvEvent[models.UserJoinedEvent](t, b, models.EventUserJoined)
	require.Equal(t, a.ID, joined.ID)
	require.Equal(t, 2, joined.Count)
	recvEvent[models.RoomUpdateEvent](t, b, models.EventRoomUpdate)

	// The stale connection's late teardown must not touch the resumed session.
	a.disconnect(ctx, gen, false)
	require.Equal(t, StateJoined, a.State())
}

func TestDisconnect_GraceExpires(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{ReconnectGrace: 20 * time.Millisecond})
	a := f.joined(h, "x")
	b := f.joined(h, "x")
	drain(a, b)

	a.mu.Lock()
	gen := a.gen
	a.mu.Unlock()
	a.disconnect(context.Background(), gen, false)

	recvEvent[models.UserLeftEvent](t, b, models.EventUserLeft)
	require.Eventually(t, func() bool { return a.State() == StateClosed }, time.Second, 5*time.Millisecond)

	update := recvEvent[models.RoomUpdateEvent](t, b, models.EventRoomUpdate)
	require.Equal(t, 1, update.Count)
	requireQuiet(t, b)

	_, _, _, err := h.Resume(context.Background(), a.ID, a.resumeKey)
	require.ErrorIs(t, err, ErrResumeDenied)
}

func TestDisconnect_CleanCloseSkipsGrace(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{ReconnectGrace: time.Minute})
	a := f.joined(h, "x")
	drain(a)

	a.mu.Lock()
	gen := a.gen
	a.mu.Unlock()
	a.disconnect(context.Background(), gen, true)
	require.Equal(t, StateClosed, a.State())
	require.Zero(t, h.Registry().Snapshot(context.Background(), "x").Count)
}

func TestDeliver_DropsStaleRoomUpdates(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	s, _ := f.session(h)

	s.deliver([]byte("v5"), 5)
	s.deliver([]byte("v3"), 3)
	s.deliver([]byte("v5again"), 5)
	s.deliver([]byte("degraded"), 0)

	require.Equal(t, "v5", string(<-s.outbox))
	require.Equal(t, "v5again", string(<-s.outbox))
	require.Equal(t, "degraded", string(<-s.outbox))
	requireQuiet(t, s)
}

func TestMultiInstance(t *testing.T) {
	f := newFixture(t)
	h1 := f.hub(Options{InstanceID: "one"})
	h2 := f.hub(Options{InstanceID: "two"})

	a := f.joined(h1, "x")
	drain(a)
	b := f.joined(h2, "x")
	drain(b)

	joined := recvEvent[models.UserJoinedEvent](t, a, models.EventUserJoined)
	require.Equal(t, b.ID, joined.ID)
	require.Equal(t, 2, joined.Count)
	update := recvEvent[models.RoomUpdateEvent](t, a, models.EventRoomUpdate)
	require.ElementsMatch(t, []string{a.ID, b.ID}, update.Members)

	h1.Router().Route(context.Background(), a, signal(t, "offer", b.ID))
	got := recvEvent[models.SignalEvent](t, b, models.EventSignal)
	require.Equal(t, a.ID, got.SenderID)

	b.Close(context.Background())
	left := recvEvent[models.UserLeftEvent](t, a, models.EventUserLeft)
	require.Equal(t, 1, left.Count)
	recvEvent[models.RoomUpdateEvent](t, a, models.EventRoomUpdate)

	time.Sleep(20 * time.Millisecond)
	requireQuiet(t, a, b)
}

func TestDegradedHubStillRoutesLocally(t *testing.T) {
	f := newFixture(t)
	f.groups = failingGroups{}
	h := f.hub(Options{BackboneTimeout: 50 * time.Millisecond})

	a := f.joined(h, "x")
	b := f.joined(h, "x")
	drain(a, b)

	h.Router().Route(context.Background(), a, signal(t, "offer", b.ID))
	got := recvEvent[models.SignalEvent](t, b, models.EventSignal)
	require.Equal(t, a.ID, got.SenderID)
	requireQuiet(t, a)
}

func TestHubClose(t *testing.T) {
	f := newFixture(t)
	h := f.hub(Options{})
	a := f.joined(h, "x")

	h.Close(context.Background())
	require.Equal(t, StateClosed, a.State())
	require.Zero(t, h.SessionCount())

	_, err := h.Open()
	require.ErrorIs(t, err, ErrHubClosed)
}
