package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/room-signaling/internal/models"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
)

// retention keeps expired records around long enough for the lazy expiry
// path, rather than Redis, to be what removes them.
const retention = time.Hour

const maxTxAttempts = 3

// Store persists room records in Redis under room:<name>.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func roomKey(name string) string {
	return "room:" + name
}

// Create stores room unless an unexpired room with the same name exists.
// An expired record under the name is replaced.
func (s *Store) Create(ctx context.Context, room models.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.create(ctx, room, data)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		// Another writer touched the key between WATCH and EXEC. The next
		// attempt sees its result: a live room is a conflict, a deleted or
		// expired one is replaced.
	}
	return fmt.Errorf("create room %s: %w", room.Name, err)
}

func (s *Store) create(ctx context.Context, room models.Room, data []byte) error {
	key := roomKey(room.Name)
	keyTTL := room.ExpiresAt.Sub(s.now()) + retention

	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.read(ctx, tx, key)
		switch {
		case errors.Is(err, ErrRoomNotFound):
		case err != nil:
			return err
		case !existing.Expired(s.now()):
			return ErrRoomExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, keyTTL)
			return nil
		})
		return err
	}, key)
}

// Get returns the room called name. A room past its expiry is deleted and
// reported as not found.
func (s *Store) Get(ctx context.Context, name string) (models.Room, error) {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var room models.Room
		room, err = s.get(ctx, name)
		if !errors.Is(err, redis.TxFailedErr) {
			return room, err
		}
		// The record changed between WATCH and EXEC; read it again.
	}
	return models.Room{}, err
}

func (s *Store) get(ctx context.Context, name string) (models.Room, error) {
	key := roomKey(name)
	var room models.Room

	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		if !existing.Expired(s.now()) {
			room = existing
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		return ErrRoomNotFound
	}, key)
	return room, err
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Get(ctx, name)
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	n, err := s.rdb.Del(ctx, roomKey(name)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func (s *Store) read(ctx context.Context, tx *redis.Tx, key string) (models.Room, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Room{}, ErrRoomNotFound
	}
	if err != nil {
		return models.Room{}, err
	}

	var room models.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return models.Room{}, fmt.Errorf("failed to parse room data: %w", err)
	}
	return room, nil
}
