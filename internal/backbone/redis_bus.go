package backbone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const roomChannelPrefix = "relay:room:"

func roomChannel(room string) string {
	return roomChannelPrefix + room
}

// RedisBus carries envelopes over Redis pub/sub, one channel per room.
type RedisBus struct {
	rdb *redis.Client
	ps  *redis.PubSub
	log *slog.Logger
	out chan Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func instanceChannel(instanceID string) string {
	return "relay:instance:" + instanceID
}

// NewRedisBus opens the pub/sub connection and blocks until Redis confirms
// it. A PubSub needs at least one channel before Receive can confirm the
// connection, so the bus subscribes to a channel named after the instance.
// Nothing is published there; room channels carry all traffic.
func NewRedisBus(ctx context.Context, rdb *redis.Client, instanceID string, buffer int, logger *slog.Logger) (*RedisBus, error) {
	ps := rdb.Subscribe(ctx, instanceChannel(instanceID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe backbone: %w", err)
	}

	b := &RedisBus{
		rdb:  rdb,
		ps:   ps,
		log:  logger.With("component", "backbone"),
		out:  make(chan Envelope, buffer),
		done: make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

func (b *RedisBus) loop() {
	defer close(b.out)
	for msg := range b.ps.Channel() {
		env, err := DecodeEnvelope([]byte(msg.Payload))
		if err != nil {
			b.log.Warn("dropping undecodable envelope", "channel", msg.Channel, "error", err)
			continue
		}
		select {
		case b.out <- env:
		default:
			b.log.Warn("backbone buffer full, dropping envelope", "room", env.Room)
		}
	}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, roomChannel(env.Room), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", env.Room, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, room string) error {
	if err := b.ps.Subscribe(ctx, roomChannel(room)); err != nil {
		return fmt.Errorf("subscribe %s: %w", room, err)
	}
	return nil
}

func (b *RedisBus) Unsubscribe(ctx context.Context, room string) error {
	if err := b.ps.Unsubscribe(ctx, roomChannel(room)); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", room, err)
	}
	return nil
}

func (b *RedisBus) Messages() <-chan Envelope {
	return b.out
}

func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.ps.Close()
	})
	return err
}
