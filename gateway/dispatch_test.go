package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideflow/realtime-gateway/broker"
	"github.com/rideflow/realtime-gateway/protocol"
)

func lastErrorCode(t *testing.T, transport *fakeTransport) string {
	t.Helper()
	errs := transport.messagesOfType(protocol.TypeError)
	require.NotEmpty(t, errs, "expected an error envelope")
	var payload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[len(errs)-1].Payload, &payload))
	return payload.Code
}

func TestHandleInbound_OversizeFrameAnswersWithError(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.MaxMessageSize = 64
	rig := newTestRig(t, "srv-1", cfg, nil)

	connID, transport := connect(t, rig.manager, "user-1", protocol.UserRider, "")
	conn, _ := rig.manager.GetConnection(connID)

	huge := `{"type":"ride_request","ts":1,"payload":{"note":"` + strings.Repeat("x", 200) + `"}}`
	rig.manager.HandleInbound(conn, []byte(huge))

	assert.Equal(t, protocol.ErrCodeMessageTooLarge, lastErrorCode(t, transport))
	// The connection survives; oversize frames are rejected, not fatal.
	assert.Equal(t, 1, rig.manager.ActiveConnections())
}

func TestHandleInbound_MalformedFrameAnswersWithError(t *testing.T) {
	rig := newTestRig(t, "srv-1", testConfig(), nil)

	connID, transport := connect(t, rig.manager, "user-1", protocol.UserRider, "")
	conn, _ := rig.manager.GetConnection(connID)

	rig.manager.HandleInbound(conn, []byte(`{not json`))
	assert.Equal(t, protocol.ErrCodeMalformed, lastErrorCode(t, transport))
	assert.Equal(t, 1, rig.manager.ActiveConnections())
}

func TestHandleInbound_UnknownTypeAnswersWithError(t *testing.T) {
	rig := newTestRig(t, "srv-1", testConfig(), nil)

	connID, transport := connect(t, rig.manager, "user-1", protocol.UserRider, "")
	conn, _ := rig.manager.GetConnection(connID)

	rig.manager.HandleInbound(conn, []byte(`{"type":"teleport","ts":1}`))
	assert.Equal(t, protocol.ErrCodeMalformed, lastErrorCode(t, transport))
}

func TestHandleInbound_ServerOnlyTypeIsRejected(t *testing.T) {
	rig := newTestRig(t, "srv-1", testConfig(), nil)

	connID, transport := connect(t, rig.manager, "user-1", protocol.UserRider, "")
	conn, _ := rig.manager.GetConnection(connID)

	rig.manager.HandleInbound(conn, []byte(`{"type":"notification","ts":1}`))
	assert.Equal(t, protocol.ErrCodeMalformed, lastErrorCode(t, transport))
}

func TestHandleInbound_UnauthorizedTypeForUserType(t *testing.T) {
	rig := newTestRig(t, "srv-1", testConfig(), nil)

	// A rider may not push driver location.
	connID, transport := connect(t, rig.manager, "user-1", protocol.UserRider, "")
	conn, _ := rig.manager.GetConnection(connID)

	rig.manager.HandleInbound(conn, []byte(`{"type":"location_update","ts":1,"payload":{"lat":1,"lng":2}}`))
	assert.Equal(t, protocol.ErrCodeNotAuthorized, lastErrorCode(t, transport))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rig.broker.publishedOn(broker.LocationUpdatesChannel))
}

func TestHandleInbound_DomainPayloadForwardsToBroker(t *testing.T) {
	rig := newTestRig(t, "srv-1", testConfig(), nil)

	connID, _ := connect(t, rig.manager, "driver-1", protocol.UserDriver, "")
	conn, _ := rig.manager.GetConnection(connID)

	rig.manager.HandleInbound(conn, []byte(`{"type":"location_update","ts":123,"seq":1,"payload":{"lat":40.7,"lng":-74.0}}`))

	require.Eventually(t, func() bool {
		return len(rig.broker.publishedOn(broker.LocationUpdatesChannel)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	event := rig.broker.publishedOn(broker.LocationUpdatesChannel)[0]
	assert.Equal(t, "driver-1", event.UserID)
	assert.Equal(t, "driver", event.UserType)
	assert.Equal(t, "srv-1", event.ServerID)
	assert.Equal(t, "websocket", event.Source)
	assert.Equal(t, "location_update", event.Type)
	assert.Equal(t, int64(123), event.Ts)
	assert.JSONEq(t, `{"lat":40.7,"lng":-74.0}`, string(event.Payload))
}

func TestHandleInbound_HeartbeatEchoesTimestamp(t *testing.T) {
	rig := newTestRig(t, "srv-1", testConfig(), nil)

	connID, transport := connect(t, rig.manager, "user-1", protocol.UserRider, "")
	conn, _ := rig.manager.GetConnection(connID)

	rig.manager.HandleInbound(conn, []byte(`{"type":"heartbeat","ts":987654}`))

	acks := transport.messagesOfType(protocol.TypeHeartbeatAck)
	require.Len(t, acks, 1)
	assert.Equal(t, int64(987654), acks[0].Ts)
}

func TestHandleInbound_HeartbeatAckRecordsLatency(t *testing.T) {
	rig := newTestRig(t, "srv-1", testConfig(), nil)

	connID, _ := connect(t, rig.manager, "user-1", protocol.UserRider, "")
	conn, _ := rig.manager.GetConnection(connID)

	sentAt := time.Now().Add(-40 * time.Millisecond).UnixMilli()
	rig.manager.HandleInbound(conn, []byte(`{"type":"heartbeat_ack","ts":`+strconv.FormatInt(sentAt, 10)+`}`))

	assert.GreaterOrEqual(t, conn.latencyMs.Load(), int64(40))
}

func TestHandleInbound_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Gateway.RateLimit = 1
	cfg.Gateway.RateBurst = 2
	rig := newTestRig(t, "srv-1", cfg, nil)

	connID, transport := connect(t, rig.manager, "user-1", protocol.UserRider, "")
	conn, _ := rig.manager.GetConnection(connID)

	for i := 0; i < 5; i++ {
		rig.manager.HandleInbound(conn, []byte(`{"type":"heartbeat","ts":1}`))
	}

	assert.Equal(t, protocol.ErrCodeRateLimited, lastErrorCode(t, transport))
	// The burst allowance still went through.
	assert.Len(t, transport.messagesOfType(protocol.TypeHeartbeatAck), 2)
}

func TestHandleInbound_ReconnectRequestsReplay(t *testing.T) {
	rig := newTestRig(t, "srv-1", testConfig(), nil)
	ctx := context.Background()

	connID, transport := connect(t, rig.manager, "user-1", protocol.UserRider, "")
	conn, _ := rig.manager.GetConnection(connID)

	// Seed the buffer directly: seqs 5..7 with the user "stuck" at 4.
	for seq := int64(5); seq <= 7; seq++ {
		rig.buffer.Add(ctx, "user-1", protocol.Message{
			Type: protocol.TypeRideStatus, Seq: seq, Ts: 1,
		}, protocol.PriorityNormal)
	}

	rig.manager.HandleInbound(conn, []byte(`{"type":"reconnect","ts":1,"payload":{"lastSeq":4}}`))

	replayed := transport.messagesOfType(protocol.TypeRideStatus)
	require.Len(t, replayed, 3)
	for i, msg := range replayed {
		assert.Equal(t, int64(5+i), msg.Seq)
	}
}
