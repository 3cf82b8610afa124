// Package backbone replicates room membership and room-scoped frames across
// coordinator instances.
//
// Groups is the shared group-membership primitive: the single source of
// truth for who is in a room, whichever instance their connection lives on.
// Bus carries frames between instances; each instance subscribes only to the
// rooms it currently hosts members of.
package backbone

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Members is a point-in-time view of a group. Version increases with every
// effective membership change and is unchanged by no-op adds and removes.
type Members struct {
	IDs     []string
	Version uint64
}

type Groups interface {
	Add(ctx context.Context, group, member string) (Members, error)
	Remove(ctx context.Context, group, member string) (Members, error)
	Members(ctx context.Context, group string) (Members, error)
	Contains(ctx context.Context, group, member string) (bool, error)
}

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, room string) error
	Unsubscribe(ctx context.Context, room string) error
	// Messages delivers envelopes for subscribed rooms, including ones this
	// instance published itself. It is closed by Close.
	Messages() <-chan Envelope
	Close() error
}

// Envelope carries an encoded client frame to the other instances hosting
// members of Room. A non-empty Target restricts delivery to that member;
// Exclude skips one member (the sender) on broadcast.
type Envelope struct {
	Room    string `msgpack:"room"`
	Origin  string `msgpack:"origin"`
	Target  string `msgpack:"target,omitempty"`
	Exclude string `msgpack:"exclude,omitempty"`
	Version uint64 `msgpack:"version,omitempty"`
	Frame   []byte `msgpack:"frame"`
}

func (e Envelope) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Room == "" || e.Origin == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing room or origin")
	}
	return e, nil
}
