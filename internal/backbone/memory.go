package backbone

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
)

var ErrClosed = errors.New("backbone closed")

// MemoryGroups keeps group membership in process memory. Versions come
// from one counter shared by all groups, so a group that empties and
// refills never reuses a version. Empty groups are pruned; the versions of
// the most recently emptied ones are kept so repeated removals keep
// returning the same snapshot.
type MemoryGroups struct {
	mu        sync.Mutex
	groups    map[string]map[string]struct{}
	versions  map[string]uint64
	seq       uint64
	emptied   []string
	keepEmpty int
}

const defaultKeepEmpty = 1024

func NewMemoryGroups() *MemoryGroups {
	return &MemoryGroups{
		groups:    make(map[string]map[string]struct{}),
		versions:  make(map[string]uint64),
		keepEmpty: defaultKeepEmpty,
	}
}

func (g *MemoryGroups) Add(_ context.Context, group, member string) (Members, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	members, ok := g.groups[group]
	if !ok {
		members = make(map[string]struct{})
		g.groups[group] = members
	}
	if _, exists := members[member]; !exists {
		members[member] = struct{}{}
		g.bumpLocked(group)
	}
	return g.snapshotLocked(group), nil
}

func (g *MemoryGroups) Remove(_ context.Context, group, member string) (Members, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if members, ok := g.groups[group]; ok {
		if _, exists := members[member]; exists {
			delete(members, member)
			g.bumpLocked(group)
		}
		if len(members) == 0 {
			delete(g.groups, group)
			g.forgetLocked(group)
		}
	}
	return g.snapshotLocked(group), nil
}

func (g *MemoryGroups) bumpLocked(group string) {
	g.seq++
	g.versions[group] = g.seq
}

// forgetLocked queues an emptied group and drops the versions of the
// oldest emptied groups beyond keepEmpty that are still empty.
func (g *MemoryGroups) forgetLocked(group string) {
	g.emptied = append(g.emptied, group)
	for len(g.emptied) > g.keepEmpty {
		oldest := g.emptied[0]
		g.emptied = g.emptied[1:]
		if _, live := g.groups[oldest]; !live && !slices.Contains(g.emptied, oldest) {
			delete(g.versions, oldest)
		}
	}
}

func (g *MemoryGroups) Members(_ context.Context, group string) (Members, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked(group), nil
}

func (g *MemoryGroups) Contains(_ context.Context, group, member string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, exists := g.groups[group][member]
	return exists, nil
}

// Groups lists the non-empty groups, sorted.
func (g *MemoryGroups) Groups() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]string, 0, len(g.groups))
	for name := range g.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (g *MemoryGroups) snapshotLocked(group string) Members {
	members := g.groups[group]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Members{IDs: ids, Version: g.versions[group]}
}

// MemoryNetwork connects MemoryBus instances in one process, standing in for
// a shared broker in single-instance deployments and tests.
type MemoryNetwork struct {
	mu    sync.RWMutex
	buses []*MemoryBus
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{}
}

// Connect attaches a new bus whose Messages channel buffers up to buffer
// envelopes.
func (n *MemoryNetwork) Connect(buffer int) *MemoryBus {
	b := &MemoryBus{
		net:   n,
		rooms: make(map[string]struct{}),
		out:   make(chan Envelope, buffer),
	}
	n.mu.Lock()
	n.buses = append(n.buses, b)
	n.mu.Unlock()
	return b
}

func (n *MemoryNetwork) detach(b *MemoryBus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, other := range n.buses {
		if other == b {
			n.buses = append(n.buses[:i], n.buses[i+1:]...)
			return
		}
	}
}

type MemoryBus struct {
	net *MemoryNetwork

	mu     sync.Mutex
	rooms  map[string]struct{}
	out    chan Envelope
	closed bool
}

func (b *MemoryBus) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	b.net.mu.RLock()
	defer b.net.mu.RUnlock()
	for _, peer := range b.net.buses {
		peer.deliver(env)
	}
	return nil
}

// deliver never blocks the publisher; a full buffer drops the envelope, as a
// saturated broker connection would.
func (b *MemoryBus) deliver(env Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.rooms[env.Room]; !ok {
		return
	}
	select {
	case b.out <- env:
	default:
	}
}

func (b *MemoryBus) Subscribe(_ context.Context, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.rooms[room] = struct{}{}
	return nil
}

func (b *MemoryBus) Unsubscribe(_ context.Context, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms, room)
	return nil
}

func (b *MemoryBus) Messages() <-chan Envelope {
	return b.out
}

func (b *MemoryBus) Close() error {
	b.net.detach(b)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.out)
	}
	return nil
}
