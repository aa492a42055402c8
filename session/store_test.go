package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideflow/realtime-gateway/protocol"
	"github.com/rideflow/realtime-gateway/store"
)

func TestSharedStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSharedStore(store.NewMemoryStore(), time.Minute)

	sess := &Session{
		SessionID:   "sess-1",
		UserID:      "user-1",
		UserType:    protocol.UserDriver,
		DeviceID:    "device-1",
		Platform:    protocol.PlatformAndroid,
		ServerID:    "srv-1",
		LastSeq:     17,
		OutboundSeq: 42,
		ConnectedAt: time.Now().Truncate(time.Millisecond),
	}
	require.NoError(t, s.Save(ctx, sess))

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, protocol.UserDriver, got.UserType)
	assert.Equal(t, int64(17), got.LastSeq)
	assert.Equal(t, int64(42), got.OutboundSeq)

	require.NoError(t, s.Delete(ctx, "sess-1"))
	got, err = s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got, "a deleted session reads back as absent, not as an error")
}

func TestSharedStore_AbsentIsNotAnError(t *testing.T) {
	s := NewSharedStore(store.NewMemoryStore(), time.Minute)
	got, err := s.Get(context.Background(), "never-existed")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSharedStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewSharedStore(store.NewMemoryStore(), 15*time.Millisecond)

	require.NoError(t, s.Save(ctx, &Session{SessionID: "sess-1", UserID: "user-1"}))
	time.Sleep(30 * time.Millisecond)

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, got, "an expired session must read back as absent")
}

func TestSharedStore_RefreshTTL(t *testing.T) {
	ctx := context.Background()
	s := NewSharedStore(store.NewMemoryStore(), 20*time.Millisecond)

	require.NoError(t, s.Save(ctx, &Session{SessionID: "sess-1", UserID: "user-1"}))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.RefreshTTL(ctx, "sess-1"))
	time.Sleep(15 * time.Millisecond)

	got, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.NotNil(t, got, "refresh must extend the reconnection window")
}
