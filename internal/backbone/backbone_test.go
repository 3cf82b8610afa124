package backbone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{Room: "demo123", Origin: "i-1", Target: "p2", Version: 7, Frame: []byte(`{"event":"signal"}`)}
	b, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not msgpack"))
	require.Error(t, err)

	b, err := Envelope{Origin: "i-1"}.Encode()
	require.NoError(t, err)
	_, err = DecodeEnvelope(b)
	require.Error(t, err)
}

// groupsSuite runs the Groups contract against an implementation.
func groupsSuite(t *testing.T, g Groups) {
	ctx := context.Background()

	m, err := g.Add(ctx, "r1", "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, m.IDs)
	v1 := m.Version

	again, err := g.Add(ctx, "r1", "p1")
	require.NoError(t, err)
	require.Equal(t, m, again, "re-adding a member is a no-op")

	m, err = g.Add(ctx, "r1", "p2")
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2"}, m.IDs)
	require.Greater(t, m.Version, v1)

	ok, err := g.Contains(ctx, "r1", "p2")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = g.Contains(ctx, "r2", "p2")
	require.NoError(t, err)
	require.False(t, ok)

	m, err = g.Remove(ctx, "r1", "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"p2"}, m.IDs)

	first, err := g.Remove(ctx, "r1", "p2")
	require.NoError(t, err)
	require.Empty(t, first.IDs)
	second, err := g.Remove(ctx, "r1", "p2")
	require.NoError(t, err)
	require.Equal(t, first, second, "leaving twice equals leaving once")

	m, err = g.Add(ctx, "r1", "p3")
	require.NoError(t, err)
	require.Greater(t, m.Version, first.Version, "versions never repeat after a group empties")

	read, err := g.Members(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, m, read)

	empty, err := g.Members(ctx, "never")
	require.NoError(t, err)
	require.Empty(t, empty.IDs)
	require.Zero(t, empty.Version)
}

func TestMemoryGroups(t *testing.T) {
	groupsSuite(t, NewMemoryGroups())
}

func TestMemoryGroups_BoundsEmptiedVersions(t *testing.T) {
	g := NewMemoryGroups()
	g.keepEmpty = 2
	ctx := context.Background()

	var last Members
	for i := 0; i < 10; i++ {
		room := fmt.Sprintf("r%d", i)
		_, err := g.Add(ctx, room, "p1")
		require.NoError(t, err)
		last, err = g.Remove(ctx, room, "p1")
		require.NoError(t, err)
	}
	require.Len(t, g.versions, 2)
	require.Empty(t, g.Groups())

	again, err := g.Remove(ctx, "r9", "p1")
	require.NoError(t, err)
	require.Equal(t, last, again, "recently emptied groups keep their version")

	m, err := g.Add(ctx, "r0", "p1")
	require.NoError(t, err)
	require.Greater(t, m.Version, last.Version, "a forgotten group never reuses a version")
}

func TestRedisGroups(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	groupsSuite(t, NewRedisGroups(rdb))

	_, err := NewRedisGroups(rdb).Remove(context.Background(), "r1", "p3")
	require.NoError(t, err)
	require.False(t, mr.Exists("relay:group:{r1}:members"), "empty groups are pruned")
	require.True(t, mr.Exists("relay:group:{r1}:version"))
}

func TestMemoryGroups_ConcurrentJoinLeave(t *testing.T) {
	g := NewMemoryGroups()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				room := fmt.Sprintf("r%d", rng.Intn(3))
				member := fmt.Sprintf("p%d", rng.Intn(5))
				if rng.Intn(2) == 0 {
					_, _ = g.Add(ctx, room, member)
				} else {
					_, _ = g.Remove(ctx, room, member)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	// Removing everyone must leave no group behind.
	for r := 0; r < 3; r++ {
		for p := 0; p < 5; p++ {
			_, err := g.Remove(ctx, fmt.Sprintf("r%d", r), fmt.Sprintf("p%d", p))
			require.NoError(t, err)
		}
	}
	require.Empty(t, g.Groups())
}

func TestMemoryNetwork_FanOut(t *testing.T) {
	ctx := context.Background()
	net := NewMemoryNetwork()
	a := net.Connect(4)
	b := net.Connect(4)
	c := net.Connect(4)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Subscribe(ctx, "r1"))
	require.NoError(t, b.Subscribe(ctx, "r1"))
	require.NoError(t, c.Subscribe(ctx, "r2"))

	env := Envelope{Room: "r1", Origin: "a", Frame: []byte("x")}
	require.NoError(t, a.Publish(ctx, env))

	require.Equal(t, env, <-a.Messages())
	require.Equal(t, env, <-b.Messages())
	require.Empty(t, c.Messages())

	require.NoError(t, c.Close())
	_, open := <-c.Messages()
	require.False(t, open)
	require.ErrorIs(t, c.Publish(ctx, env), ErrClosed)

	require.NoError(t, b.Unsubscribe(ctx, "r1"))
	require.NoError(t, a.Publish(ctx, env))
	<-a.Messages()
	require.Empty(t, b.Messages())
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := NewRedisBus(ctx, rdb, "a", 8, logger)
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, 1, mr.PubSubNumSub(instanceChannel("a"))[instanceChannel("a")])
	b, err := NewRedisBus(ctx, rdb, "b", 8, logger)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Subscribe(ctx, "demo123"))
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(roomChannel("demo123"))[roomChannel("demo123")] == 1
	}, time.Second, 10*time.Millisecond)

	env := Envelope{Room: "demo123", Origin: "a", Exclude: "p1", Version: 3, Frame: []byte(`{"event":"userJoined"}`)}
	require.NoError(t, a.Publish(ctx, env))

	select {
	case got := <-b.Messages():
		require.Equal(t, env, got)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Publish(ctx, env), ErrClosed)
	require.Eventually(t, func() bool {
		_, open := <-b.Messages()
		return !open
	}, time.Second, 10*time.Millisecond)
}
