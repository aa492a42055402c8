package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests need a live Redis; set REDIS_ADDR to run them.
func redisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis-backed tests")
	}
	client, err := NewRedisClient(addr, "", 0, 10, 30)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func TestRedisStore_Seq(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()
	key := "rtg:test:" + uuid.NewString()
	defer s.Delete(ctx, key)

	require.NoError(t, s.SeqAdd(ctx, key, 2, []byte("two"), time.Minute))
	require.NoError(t, s.SeqAdd(ctx, key, 1, []byte("one"), time.Minute))
	require.NoError(t, s.SeqAdd(ctx, key, 3, []byte("three"), time.Minute))

	values, err := s.SeqRangeAfter(ctx, key, 1)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "two", string(values[0]))
	assert.Equal(t, "three", string(values[1]))

	removed, err := s.SeqRemoveUpTo(ctx, key, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	count, err := s.SeqCard(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisStore_PubSub(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()
	channel := "rtg:test:" + uuid.NewString()

	ch, cancel, err := s.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Publish(ctx, channel, []byte("ping")))

	select {
	case payload := <-ch:
		assert.Equal(t, "ping", string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not arrive")
	}
}

func TestRedisStore_KVAndSets(t *testing.T) {
	s := redisStore(t)
	ctx := context.Background()
	key := "rtg:test:" + uuid.NewString()
	defer s.Delete(ctx, key)

	require.NoError(t, s.Set(ctx, key, []byte("v"), time.Minute))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = s.Get(ctx, key+":missing")
	assert.ErrorIs(t, err, ErrNotFound)

	setKey := "rtg:test:set:" + uuid.NewString()
	defer s.Delete(ctx, setKey)
	require.NoError(t, s.SetAdd(ctx, setKey, "a", time.Minute))
	require.NoError(t, s.SetAdd(ctx, setKey, "b", time.Minute))
	count, err := s.SetCard(ctx, setKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
