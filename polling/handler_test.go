package polling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideflow/realtime-gateway/broker"
	"github.com/rideflow/realtime-gateway/buffer"
	"github.com/rideflow/realtime-gateway/config"
	"github.com/rideflow/realtime-gateway/protocol"
	"github.com/rideflow/realtime-gateway/store"
)

type fakeBroker struct {
	mu        sync.Mutex
	published map[string][]broker.Event
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(map[string][]broker.Event)}
}

func (b *fakeBroker) Publish(_ context.Context, channel string, event broker.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], event)
	return nil
}

func (b *fakeBroker) Subscribe(context.Context, string) (<-chan broker.Event, error) {
	return make(chan broker.Event), nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) Type() string { return "fake" }

func (b *fakeBroker) publishedOn(channel string) []broker.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Event(nil), b.published[channel]...)
}

type pollRig struct {
	handler *Handler
	store   *store.MemoryStore
	buffer  *buffer.Buffer
	broker  *fakeBroker
}

func newPollRig(cfg *config.PollingConfig) *pollRig {
	if cfg == nil {
		cfg = &config.PollingConfig{
			Timeout:     100,
			MinInterval: 0,
			SessionTTL:  60000,
		}
	}
	backend := store.NewMemoryStore()
	buf := buffer.New(backend, 100, time.Hour)
	br := newFakeBroker()
	return &pollRig{
		handler: NewHandler("srv-1", cfg, backend, buf, br, 100, 100),
		store:   backend,
		buffer:  buf,
		broker:  br,
	}
}

func bufferMessage(seq int64) protocol.Message {
	return protocol.Message{Type: protocol.TypeRideStatus, Seq: seq, Ts: time.Now().UnixMilli()}
}

func TestPoll_DeliversBufferedMessages(t *testing.T) {
	rig := newPollRig(nil)
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "user-1", protocol.UserRider, "device-1")
	require.NoError(t, err)

	for seq := int64(1); seq <= 3; seq++ {
		rig.buffer.Add(ctx, "user-1", bufferMessage(seq), protocol.PriorityNormal)
	}

	result, err := rig.handler.Poll(ctx, sessionID, 0)
	require.NoError(t, err)
	require.Len(t, result.Messages, 3)
	for i, msg := range result.Messages {
		assert.Equal(t, int64(i+1), msg.Seq)
	}
	assert.Equal(t, int64(3), result.NextSeq)
	assert.Equal(t, sessionID, result.SessionID)
	assert.NotZero(t, result.ServerTime)
}

func TestPoll_LastSeqActsAsCumulativeAck(t *testing.T) {
	rig := newPollRig(nil)
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "user-1", protocol.UserRider, "device-1")
	require.NoError(t, err)

	for seq := int64(1); seq <= 5; seq++ {
		rig.buffer.Add(ctx, "user-1", bufferMessage(seq), protocol.PriorityNormal)
	}

	result, err := rig.handler.Poll(ctx, sessionID, 3)
	require.NoError(t, err)
	require.Len(t, result.Messages, 2)
	assert.Equal(t, int64(4), result.Messages[0].Seq)
	assert.Equal(t, int64(5), result.NextSeq)

	// Acked entries are gone from the buffer, unacked ones remain.
	pending, err := rig.buffer.Pending(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, int64(4), pending[0].Message.Seq)
}

func TestPoll_EmptyBufferTimesOutEmpty(t *testing.T) {
	rig := newPollRig(nil)
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "user-1", protocol.UserRider, "device-1")
	require.NoError(t, err)

	start := time.Now()
	result, err := rig.handler.Poll(ctx, sessionID, 0)
	require.NoError(t, err)
	assert.Empty(t, result.Messages)
	assert.Equal(t, int64(0), result.NextSeq)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"an empty poll must hold for the long-poll timeout")
}

func TestPoll_WakesOnNotification(t *testing.T) {
	rig := newPollRig(&config.PollingConfig{Timeout: 2000, MinInterval: 0, SessionTTL: 60000})
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "user-1", protocol.UserRider, "device-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		rig.buffer.Add(ctx, "user-1", bufferMessage(1), protocol.PriorityNormal)
		rig.store.Publish(ctx, store.UserChannel("user-1"), []byte(`{}`))
	}()

	start := time.Now()
	result, err := rig.handler.Poll(ctx, sessionID, 0)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, int64(1), result.Messages[0].Seq)
	assert.Less(t, time.Since(start), 2*time.Second, "the poll must return on wake, not on timeout")
}

func TestPoll_MinIntervalRateLimits(t *testing.T) {
	rig := newPollRig(&config.PollingConfig{Timeout: 10, MinInterval: 60000, SessionTTL: 60000})
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "user-1", protocol.UserRider, "device-1")
	require.NoError(t, err)

	_, err = rig.handler.Poll(ctx, sessionID, 0)
	require.NoError(t, err)

	_, err = rig.handler.Poll(ctx, sessionID, 0)
	var rateLimited *RateLimitedError
	require.ErrorAs(t, err, &rateLimited)
	assert.Greater(t, rateLimited.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, rateLimited.RetryAfter, time.Minute)
}

func TestPoll_UnknownSessionIsExpired(t *testing.T) {
	rig := newPollRig(nil)
	_, err := rig.handler.Poll(context.Background(), "no-such-session", 0)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestPoll_SessionExpiresAfterTTL(t *testing.T) {
	rig := newPollRig(&config.PollingConfig{Timeout: 10, MinInterval: 0, SessionTTL: 20})
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "user-1", protocol.UserRider, "device-1")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = rig.handler.Poll(ctx, sessionID, 0)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestPoll_DeleteSessionWakesBlockedWaiter(t *testing.T) {
	rig := newPollRig(&config.PollingConfig{Timeout: 5000, MinInterval: 0, SessionTTL: 60000})
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "user-1", protocol.UserRider, "device-1")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		rig.handler.DeleteSession(ctx, sessionID)
	}()

	start := time.Now()
	_, err = rig.handler.Poll(ctx, sessionID, 0)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Less(t, time.Since(start), 2*time.Second,
		"a waiter must observe the deletion, not hold for the full timeout")
}

func TestSendMessage_PublishesToBusinessChannel(t *testing.T) {
	rig := newPollRig(nil)
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "driver-1", protocol.UserDriver, "device-1")
	require.NoError(t, err)

	raw := []byte(`{"type":"location_update","ts":42,"payload":{"lat":40.7,"lng":-74.0}}`)
	require.NoError(t, rig.handler.SendMessage(ctx, sessionID, raw))

	events := rig.broker.publishedOn(broker.LocationUpdatesChannel)
	require.Len(t, events, 1)
	assert.Equal(t, "driver-1", events[0].UserID)
	assert.Equal(t, "polling", events[0].Source)
	assert.Equal(t, "location_update", events[0].Type)
	assert.JSONEq(t, `{"lat":40.7,"lng":-74.0}`, string(events[0].Payload))
}

func TestSendMessage_EnforcesUserTypeAuthorization(t *testing.T) {
	rig := newPollRig(nil)
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "rider-1", protocol.UserRider, "device-1")
	require.NoError(t, err)

	err = rig.handler.SendMessage(ctx, sessionID, []byte(`{"type":"location_update","ts":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), protocol.ErrCodeNotAuthorized)
	assert.Empty(t, rig.broker.publishedOn(broker.LocationUpdatesChannel))
}

func TestSendMessage_MalformedPayload(t *testing.T) {
	rig := newPollRig(nil)
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "rider-1", protocol.UserRider, "device-1")
	require.NoError(t, err)

	err = rig.handler.SendMessage(ctx, sessionID, []byte(`{broken`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), protocol.ErrCodeMalformed)
}

func TestDeleteSession(t *testing.T) {
	rig := newPollRig(nil)
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "user-1", protocol.UserRider, "device-1")
	require.NoError(t, err)

	require.NoError(t, rig.handler.DeleteSession(ctx, sessionID))
	_, err = rig.handler.Poll(ctx, sessionID, 0)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// Double delete reports the session as gone.
	assert.ErrorIs(t, rig.handler.DeleteSession(ctx, sessionID), ErrSessionExpired)
}

// A user downgraded from websocket to polling keeps receiving through the same
// buffer the gateway writes to.
func TestPoll_SharesBufferWithGatewayDeliveries(t *testing.T) {
	rig := newPollRig(nil)
	ctx := context.Background()

	sessionID, err := rig.handler.CreateSession(ctx, "user-1", protocol.UserRider, "device-1")
	require.NoError(t, err)

	// The gateway's offline path writes a buffered entry and publishes a wake.
	entry := protocol.BufferedMessage{
		Message:   bufferMessage(9),
		CreatedAt: time.Now().UnixMilli(),
		ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		Priority:  protocol.PriorityHigh,
	}
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, rig.store.SeqAdd(ctx, store.UserBufferKey("user-1"), 9, data, time.Hour))

	result, err := rig.handler.Poll(ctx, sessionID, 0)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, int64(9), result.Messages[0].Seq)
	assert.Equal(t, int64(9), result.NextSeq)
}
