package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_KV(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_KVExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Expire extends a live key.
	require.NoError(t, s.Set(ctx, "k2", []byte("v"), 10*time.Millisecond))
	require.NoError(t, s.Expire(ctx, "k2", time.Minute))
	time.Sleep(20 * time.Millisecond)
	_, err = s.Get(ctx, "k2")
	assert.NoError(t, err)
}

func TestMemoryStore_Sets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SetAdd(ctx, "set", "a", 0))
	require.NoError(t, s.SetAdd(ctx, "set", "b", 0))
	require.NoError(t, s.SetAdd(ctx, "set", "a", 0)) // idempotent

	count, err := s.SetCard(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	members, err := s.SetMembers(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	require.NoError(t, s.SetRemove(ctx, "set", "a"))
	require.NoError(t, s.SetRemove(ctx, "set", "b"))
	count, _ = s.SetCard(ctx, "set")
	assert.Zero(t, count)
}

func TestMemoryStore_SetExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SetAdd(ctx, "set", "a", 20*time.Millisecond))
	count, err := s.SetCard(ctx, "set")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	time.Sleep(40 * time.Millisecond)
	count, err = s.SetCard(ctx, "set")
	require.NoError(t, err)
	assert.Zero(t, count, "set key must expire with its TTL, like SADD+EXPIRE")
	members, err := s.SetMembers(ctx, "set")
	require.NoError(t, err)
	assert.Empty(t, members)

	// Re-adding with a TTL resets the clock each time.
	require.NoError(t, s.SetAdd(ctx, "set2", "a", 30*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.SetAdd(ctx, "set2", "a", 30*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	count, _ = s.SetCard(ctx, "set2")
	assert.Equal(t, int64(1), count, "refreshed set must outlive the original TTL")
}

func TestMemoryStore_SeqOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Out-of-order inserts come back sorted by seq.
	require.NoError(t, s.SeqAdd(ctx, "q", 3, []byte("three"), 0))
	require.NoError(t, s.SeqAdd(ctx, "q", 1, []byte("one"), 0))
	require.NoError(t, s.SeqAdd(ctx, "q", 2, []byte("two"), 0))

	values, err := s.SeqRangeAfter(ctx, "q", -1)
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, "one", string(values[0]))
	assert.Equal(t, "two", string(values[1]))
	assert.Equal(t, "three", string(values[2]))

	values, err = s.SeqRangeAfter(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "two", string(values[0]))
}

func TestMemoryStore_SeqRemoval(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, s.SeqAdd(ctx, "q", seq, []byte{byte('0' + seq)}, 0))
	}

	removed, err := s.SeqRemoveUpTo(ctx, "q", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	count, err := s.SeqCard(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, s.SeqRemoveMember(ctx, "q", []byte{'4'}))
	count, _ = s.SeqCard(ctx, "q")
	assert.Equal(t, int64(1), count)

	// Delete drops the whole sequence, like a redis DEL on the zset key.
	require.NoError(t, s.Delete(ctx, "q"))
	count, _ = s.SeqCard(ctx, "q")
	assert.Zero(t, count)
}

func TestMemoryStore_PubSub(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ch1, cancel1, err := s.Subscribe(ctx, "chan")
	require.NoError(t, err)
	ch2, cancel2, err := s.Subscribe(ctx, "chan")
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, s.Publish(ctx, "chan", []byte("hello")))

	select {
	case got := <-ch1:
		assert.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 did not receive the publish")
	}
	select {
	case got := <-ch2:
		assert.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 did not receive the publish")
	}

	// After cancel the channel closes and no further payloads arrive.
	cancel1()
	_, open := <-ch1
	assert.False(t, open)
}

func TestMemoryStore_PublishToUnsubscribedChannel(t *testing.T) {
	s := NewMemoryStore()
	assert.NoError(t, s.Publish(context.Background(), "nobody-listening", []byte("x")))
}
