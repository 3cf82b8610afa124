package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/room-signaling/internal/backbone"
)

// Snapshot is the membership of a room as of one join, leave or read.
// Degraded snapshots come from this instance's local mirror because the
// shared store could not be reached; they carry Version 0.
type Snapshot struct {
	Room     string
	Members  []string
	Count    int
	Version  uint64
	Degraded bool
}

// Registry tracks room membership. The shared Groups is authoritative
// across instances; the local mirror holds only this instance's members and
// stands in for it when the shared store fails.
//
// Operations on the same room are serialized by a per-room lock, and the
// emit callbacks run while that lock is held, so anything emitted for a room
// is ordered the same way the membership changes were applied.
type Registry struct {
	log     *slog.Logger
	shared  backbone.Groups
	local   *backbone.MemoryGroups
	timeout time.Duration

	mu    sync.Mutex
	rooms map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry(logger *slog.Logger, shared backbone.Groups, timeout time.Duration) *Registry {
	return &Registry{
		log:     logger.With("component", "registry"),
		shared:  shared,
		local:   backbone.NewMemoryGroups(),
		timeout: timeout,
		rooms:   make(map[string]*roomLock),
	}
}

// Join adds id to room. Joining twice does not duplicate membership.
func (r *Registry) Join(ctx context.Context, room, id string, emit func(Snapshot)) Snapshot {
	unlock := r.lock(room)
	defer unlock()

	_, _ = r.local.Add(ctx, room, id)
	snap := r.apply(ctx, "join", room, func(ctx context.Context) (backbone.Members, error) {
		return r.shared.Add(ctx, room, id)
	})
	if emit != nil {
		emit(snap)
	}
	return snap
}

// Leave removes id from room. Removing a non-member returns the unchanged
// snapshot.
func (r *Registry) Leave(ctx context.Context, room, id string, emit func(Snapshot)) Snapshot {
	unlock := r.lock(room)
	defer unlock()

	_, _ = r.local.Remove(ctx, room, id)
	snap := r.apply(ctx, "leave", room, func(ctx context.Context) (backbone.Members, error) {
		return r.shared.Remove(ctx, room, id)
	})
	if emit != nil {
		emit(snap)
	}
	return snap
}

// View reads the current snapshot under the room lock and hands it to emit.
func (r *Registry) View(ctx context.Context, room string, emit func(Snapshot)) Snapshot {
	unlock := r.lock(room)
	defer unlock()

	snap := r.apply(ctx, "read", room, func(ctx context.Context) (backbone.Members, error) {
		return r.shared.Members(ctx, room)
	})
	if emit != nil {
		emit(snap)
	}
	return snap
}

func (r *Registry) Snapshot(ctx context.Context, room string) Snapshot {
	return r.View(ctx, room, nil)
}

func (r *Registry) IsMember(ctx context.Context, room, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ok, err := r.shared.Contains(ctx, room, id)
	if err != nil {
		r.log.Warn("membership lookup failed, using local view", "room", room, "error", err)
		ok, _ = r.local.Contains(ctx, room, id)
	}
	return ok
}

// LocalRooms lists the rooms with at least one member on this instance.
func (r *Registry) LocalRooms() []string {
	return r.local.Groups()
}

func (r *Registry) apply(ctx context.Context, op, room string, fn func(context.Context) (backbone.Members, error)) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	m, err := fn(ctx)
	if err != nil {
		r.log.Warn("shared membership unavailable, degrading to local view", "op", op, "room", room, "error", err)
		m, _ = r.local.Members(ctx, room)
		return Snapshot{Room: room, Members: m.IDs, Count: len(m.IDs), Degraded: true}
	}
	return Snapshot{Room: room, Members: m.IDs, Count: len(m.IDs), Version: m.Version}
}

func (r *Registry) lock(room string) func() {
	r.mu.Lock()
	l, ok := r.rooms[room]
	if !ok {
		l = &roomLock{}
		r.rooms[room] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.rooms, room)
		}
		r.mu.Unlock()
	}
}
