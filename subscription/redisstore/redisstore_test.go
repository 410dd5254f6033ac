package redisstore_test

import (
	"context"
	"os"
	"testing"

	eventstore "github.com/aneshas/eventcore"
	"github.com/aneshas/eventcore/bus"
	"github.com/aneshas/eventcore/subscription/redisstore"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func client(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis tests")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})

	require.NoError(t, rdb.Ping(context.Background()).Err())

	t.Cleanup(func() {
		_ = rdb.Close()
	})

	return rdb
}

func TestCheckpointStore(t *testing.T) {
	rdb := client(t)
	ctx := context.Background()

	prefix := "test-" + uuid.NewString()
	store := redisstore.New(rdb, prefix)

	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), prefix+":projector").Err()
	})

	cp, err := store.Load(ctx, "projector")
	require.NoError(t, err)

	assert.Equal(t, uint64(0), cp.Position)
	assert.Equal(t, bus.StatusActive, cp.Status)

	require.NoError(t, store.Save(ctx, bus.Checkpoint{SubscriberID: "projector", Position: 42, Status: bus.StatusPaused}))

	cp, err = store.Load(ctx, "projector")
	require.NoError(t, err)

	assert.Equal(t, "projector", cp.SubscriberID)
	assert.Equal(t, uint64(42), cp.Position)
	assert.Equal(t, bus.StatusPaused, cp.Status)
	assert.False(t, cp.UpdatedAt.IsZero())
}

func TestCheckpointStore_Should_Reject_Corrupt_Position(t *testing.T) {
	rdb := client(t)
	ctx := context.Background()

	prefix := "test-" + uuid.NewString()
	store := redisstore.New(rdb, prefix)

	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), prefix+":projector").Err()
	})

	require.NoError(t, rdb.HSet(ctx, prefix+":projector", "position", "not-a-number").Err())

	_, err := store.Load(ctx, "projector")
	assert.Error(t, err)
}

func TestCheckpointStore_Should_Drive_Bus_Subscriber(t *testing.T) {
	rdb := client(t)
	ctx := context.Background()

	prefix := "test-" + uuid.NewString()
	store := redisstore.New(rdb, prefix)

	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), prefix+":projector").Err()
	})

	b, err := bus.New(bus.WithCheckpoints(store))
	require.NoError(t, err)

	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.Subscribe(bus.All, func(context.Context, eventstore.StoredEvent) error { return nil }, "projector"))
	require.NoError(t, b.Pause(ctx, "projector"))

	cp, err := store.Load(ctx, "projector")
	require.NoError(t, err)
	assert.Equal(t, bus.StatusPaused, cp.Status)
}
