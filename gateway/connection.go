package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rideflow/realtime-gateway/config"
	"github.com/rideflow/realtime-gateway/protocol"
)

// pendingAck tracks a sent-but-unacknowledged message. In-process only; on
// disconnect every pending ack is converted to a high-priority buffered
// message.
type pendingAck struct {
	msg      protocol.Message
	attempts int
	sentAt   time.Time
	timer    *time.Timer
}

// Connection is one live transport session. It is owned by the Manager for
// its lifetime and destroyed on disconnect after unacknowledged messages are
// buffered.
type Connection struct {
	ID        string
	SessionID string
	UserID    string
	UserType  protocol.UserType
	DeviceID  string
	Platform  protocol.Platform
	Metadata  map[string]string

	ConnectedAt    time.Time
	ReconnectCount int

	transport Transport
	cfg       *config.GatewayConfig
	limiter   *rate.Limiter

	lastHeartbeat atomic.Int64 // unix ms
	lastMessageAt atomic.Int64 // unix ms
	inboundSeq    atomic.Int64 // highest seq received from the client
	lastAckedSeq  atomic.Int64 // highest outbound seq the client acknowledged
	latencyMs     atomic.Int64
	missedBeats   atomic.Int32
	tokenExpiry   atomic.Int64 // unix ms

	ctx    context.Context
	cancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[int64]*pendingAck
}

func newConnection(id, sessionID string, transport Transport, cfg *config.GatewayConfig, p ConnectParams) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:          id,
		SessionID:   sessionID,
		UserID:      p.UserID,
		UserType:    p.UserType,
		DeviceID:    p.DeviceID,
		Platform:    p.Platform,
		Metadata:    p.Metadata,
		ConnectedAt: time.Now(),
		transport:   transport,
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		ctx:         ctx,
		cancel:      cancel,
		pending:     make(map[int64]*pendingAck),
	}
	now := time.Now().UnixMilli()
	c.lastHeartbeat.Store(now)
	c.lastMessageAt.Store(now)
	c.tokenExpiry.Store(p.TokenExpiry.UnixMilli())
	return c
}

// writeMessage sends msg over the transport, retrying on a fixed delay up to
// the configured attempt count.
func (c *Connection) writeMessage(msg protocol.Message) error {
	operation := func() error {
		return c.transport.WriteJSON(msg)
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(time.Duration(c.cfg.SendRetryDelay)*time.Millisecond),
			uint64(c.cfg.SendMaxRetries),
		),
		c.ctx,
	)

	return backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		log.Debug().Err(err).Str("connection_id", c.ID).Dur("next_attempt_in", d).
			Msg("Retrying transport write")
	})
}

// trackPending registers msg as awaiting acknowledgment. onExpired fires once
// the retry budget is exhausted; resend re-sends on each retry tick.
func (c *Connection) trackPending(msg protocol.Message, resend func(protocol.Message) bool, onExpired func(protocol.Message)) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	pa := &pendingAck{msg: msg, sentAt: time.Now()}
	delay := time.Duration(c.cfg.SendRetryDelay) * time.Millisecond

	var arm func()
	arm = func() {
		pa.timer = time.AfterFunc(delay, func() {
			c.pendingMu.Lock()
			current, ok := c.pending[msg.Seq]
			if !ok || current != pa {
				c.pendingMu.Unlock()
				return
			}
			pa.attempts++
			if pa.attempts >= c.cfg.SendMaxRetries {
				delete(c.pending, msg.Seq)
				c.pendingMu.Unlock()
				onExpired(msg)
				return
			}
			arm()
			c.pendingMu.Unlock()
			resend(msg)
		})
	}
	arm()
	c.pending[msg.Seq] = pa
}

// ackUpTo removes every pending entry with seq <= ackSeq (acks are
// cumulative) and advances the acked waterline.
func (c *Connection) ackUpTo(ackSeq int64) {
	for {
		prev := c.lastAckedSeq.Load()
		if ackSeq <= prev || c.lastAckedSeq.CompareAndSwap(prev, ackSeq) {
			break
		}
	}

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for seq, pa := range c.pending {
		if seq <= ackSeq {
			pa.timer.Stop()
			delete(c.pending, seq)
		}
	}
}

// drainPending stops all retry timers and returns the still-unacknowledged
// messages in seq order of the map (callers must not rely on ordering).
func (c *Connection) drainPending() []protocol.Message {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	out := make([]protocol.Message, 0, len(c.pending))
	for seq, pa := range c.pending {
		pa.timer.Stop()
		out = append(out, pa.msg)
		delete(c.pending, seq)
	}
	return out
}

func (c *Connection) touchHeartbeat() {
	c.lastHeartbeat.Store(time.Now().UnixMilli())
	c.missedBeats.Store(0)
}

func (c *Connection) heartbeatAge() time.Duration {
	return time.Since(time.UnixMilli(c.lastHeartbeat.Load()))
}

// observeInbound advances the inbound sequence counter and reports whether a
// gap was seen. Ordering is advisory at delivery time; gaps are logged, not
// blocked on.
func (c *Connection) observeInbound(seq int64) (gap bool) {
	if seq <= 0 {
		return false
	}
	prev := c.inboundSeq.Load()
	for seq > prev && !c.inboundSeq.CompareAndSwap(prev, seq) {
		prev = c.inboundSeq.Load()
	}
	return prev > 0 && seq != prev+1
}

// sendError writes an error envelope to the client. Best effort; transport
// errors here are already being handled by the read loop.
func (c *Connection) sendError(code, details string) {
	if err := c.transport.WriteJSON(protocol.NewError(code, details)); err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("Failed to send error envelope")
	}
}

// State returns a point-in-time diagnostic snapshot.
func (c *Connection) State() ConnectionState {
	return ConnectionState{
		ConnectionID:     c.ID,
		SessionID:        c.SessionID,
		UserID:           c.UserID,
		UserType:         c.UserType,
		Platform:         c.Platform,
		ConnectedAt:      c.ConnectedAt,
		LastHeartbeat:    time.UnixMilli(c.lastHeartbeat.Load()),
		LastMessageAt:    time.UnixMilli(c.lastMessageAt.Load()),
		InboundSeq:       c.inboundSeq.Load(),
		LastAckedSeq:     c.lastAckedSeq.Load(),
		LatencyMs:        c.latencyMs.Load(),
		MissedHeartbeats: int(c.missedBeats.Load()),
		ReconnectCount:   c.ReconnectCount,
		TokenExpiry:      time.UnixMilli(c.tokenExpiry.Load()),
	}
}

// ConnectionState is the externally visible snapshot of a connection.
type ConnectionState struct {
	ConnectionID     string            `json:"connection_id"`
	SessionID        string            `json:"session_id"`
	UserID           string            `json:"user_id"`
	UserType         protocol.UserType `json:"user_type"`
	Platform         protocol.Platform `json:"platform"`
	ConnectedAt      time.Time         `json:"connected_at"`
	LastHeartbeat    time.Time         `json:"last_heartbeat"`
	LastMessageAt    time.Time         `json:"last_message_at"`
	InboundSeq       int64             `json:"inbound_seq"`
	LastAckedSeq     int64             `json:"last_acked_seq"`
	LatencyMs        int64             `json:"latency_ms"`
	MissedHeartbeats int               `json:"missed_heartbeats"`
	ReconnectCount   int               `json:"reconnect_count"`
	TokenExpiry      time.Time         `json:"token_expiry"`
}

// ConnectParams carries the handshake parameters into the manager.
type ConnectParams struct {
	UserID      string
	UserType    protocol.UserType
	DeviceID    string
	Platform    protocol.Platform
	Metadata    map[string]string
	TokenExpiry time.Time
	SessionID   string // optional resumption
}

// heartbeatPayload is the application-level heartbeat body.
type heartbeatPayload struct {
	ServerTime int64 `json:"serverTime"`
}

func heartbeatMessage() protocol.Message {
	payload, _ := json.Marshal(heartbeatPayload{ServerTime: time.Now().UnixMilli()})
	return protocol.Message{Type: protocol.TypeHeartbeat, Ts: time.Now().UnixMilli(), Payload: payload}
}
