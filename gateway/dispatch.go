package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rideflow/realtime-gateway/broker"
	"github.com/rideflow/realtime-gateway/metrics"
	"github.com/rideflow/realtime-gateway/protocol"
)

// heartbeatLoop pings the connection on the configured interval and forces a
// disconnect once the client has been silent past the timeout.
func (m *Manager) heartbeatLoop(conn *Connection) {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.Gateway.HeartbeatInterval) * time.Millisecond
	timeout := time.Duration(m.cfg.Gateway.HeartbeatTimeout) * time.Millisecond
	writeTimeout := time.Duration(m.cfg.Gateway.WriteTimeout) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if conn.heartbeatAge() > timeout {
				log.Info().Str("connection_id", conn.ID).Str("user_id", conn.UserID).
					Dur("silent_for", conn.heartbeatAge()).Msg("Heartbeat timeout, forcing disconnect")
				m.collector.RecordError("liveness")
				conn.transport.Close(websocket.ClosePolicyViolation, "heartbeat timeout")
				m.HandleDisconnection(conn.ID)
				return
			}

			// The connection is still live; keep it discoverable past the
			// session TTL.
			m.touchRegistry(m.ctx, conn)

			if err := conn.transport.Ping(time.Now().Add(writeTimeout)); err != nil {
				log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Transport ping failed")
			}
			if err := conn.transport.WriteJSON(heartbeatMessage()); err != nil {
				log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Heartbeat send failed")
			}
			conn.missedBeats.Add(1)
		}
	}
}

// tokenRefreshRequest is the payload of a token_refresh envelope.
type tokenRefreshRequest struct {
	Token string `json:"token"`
}

// tokenRefreshedPayload is the payload of a token_refreshed envelope.
type tokenRefreshedPayload struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// reconnectRequest is the payload of a client-initiated reconnect envelope
// asking for replay past its last received sequence.
type reconnectRequest struct {
	LastSeq int64 `json:"lastSeq"`
}

// HandleInbound processes one raw frame from the client. Malformed or
// unauthorized frames answer with a typed error envelope and never kill the
// connection.
func (m *Manager) HandleInbound(conn *Connection, raw []byte) {
	if len(raw) > m.cfg.Gateway.MaxMessageSize {
		conn.sendError(protocol.ErrCodeMessageTooLarge, "")
		m.collector.RecordError("transport")
		return
	}
	if !conn.limiter.Allow() {
		conn.sendError(protocol.ErrCodeRateLimited, "")
		m.collector.RecordError("capacity")
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Malformed inbound frame")
		conn.sendError(protocol.ErrCodeMalformed, "invalid message envelope")
		m.collector.RecordError("transport")
		return
	}

	conn.lastMessageAt.Store(time.Now().UnixMilli())
	m.collector.RecordMessageReceived(conn.ID, len(raw))

	if gap := conn.observeInbound(msg.Seq); gap {
		// Ordering at delivery time is advisory; replay is where strict
		// ordering is enforced.
		log.Warn().Str("connection_id", conn.ID).Int64("seq", msg.Seq).
			Int64("expected", conn.inboundSeq.Load()).Msg("Out-of-order inbound sequence")
	}

	if msg.AckSeq > 0 {
		conn.ackUpTo(msg.AckSeq)
		if err := m.buffer.Clear(m.ctx, conn.UserID, msg.AckSeq); err != nil {
			log.Warn().Err(err).Str("user_id", conn.UserID).Msg("Failed to clear acked buffer entries")
		}
	}

	switch msg.Type {
	case protocol.TypeHeartbeat:
		// Client-initiated liveness check: echo its timestamp back.
		conn.touchHeartbeat()
		reply := protocol.Message{Type: protocol.TypeHeartbeatAck, Ts: msg.Ts}
		if err := conn.transport.WriteJSON(reply); err != nil {
			log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Heartbeat ack send failed")
		}
		if err := m.sessions.RefreshTTL(m.ctx, conn.SessionID); err != nil {
			log.Debug().Err(err).Str("session_id", conn.SessionID).Msg("Session TTL refresh failed")
		}
		m.touchRegistry(m.ctx, conn)

	case protocol.TypeHeartbeatAck:
		conn.touchHeartbeat()
		if msg.Ts > 0 {
			latency := time.Now().UnixMilli() - msg.Ts
			if latency >= 0 {
				conn.latencyMs.Store(latency)
				m.collector.RecordLatency(conn.ID, float64(latency))
			}
		}

	case protocol.TypeAck:
		// Cumulative ack already applied above.

	case protocol.TypeTokenRefresh:
		m.handleTokenRefresh(conn, msg)

	case protocol.TypeReconnect:
		var req reconnectRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			conn.sendError(protocol.ErrCodeMalformed, "invalid reconnect payload")
			m.collector.RecordError("transport")
			return
		}
		m.replayBuffered(m.ctx, conn, req.LastSeq)

	case protocol.TypeError:
		log.Warn().Str("connection_id", conn.ID).RawJSON("payload", payloadOrNull(msg.Payload)).
			Msg("Client reported error")

	case protocol.TypeLocationUpdate, protocol.TypeDriverLocation, protocol.TypeRideRequest,
		protocol.TypeRideStatus, protocol.TypeETAUpdate, protocol.TypeOrderStatus,
		protocol.TypeDispatchRequest, protocol.TypeDispatchResponse:
		m.forwardToBusiness(conn, msg, "websocket")

	case protocol.TypeNotification, protocol.TypeTokenRefreshed:
		// Server-to-client only.
		conn.sendError(protocol.ErrCodeMalformed, "server-only message type")
		m.collector.RecordError("transport")

	default:
		conn.sendError(protocol.ErrCodeMalformed, "unknown message type")
		m.collector.RecordError("transport")
	}
}

// forwardToBusiness type-checks a domain payload against the sender's user
// type and publishes it opaquely on its business channel.
func (m *Manager) forwardToBusiness(conn *Connection, msg protocol.Message, source string) {
	if !protocol.CanSend(conn.UserType, msg.Type) {
		log.Warn().Str("connection_id", conn.ID).Str("user_type", string(conn.UserType)).
			Str("message_type", string(msg.Type)).Msg("Unauthorized payload type")
		conn.sendError(protocol.ErrCodeNotAuthorized, string(msg.Type)+" not allowed for "+string(conn.UserType))
		m.collector.RecordError("authorization")
		return
	}

	channel := broker.ChannelFor(msg.Type)
	if channel == "" {
		conn.sendError(protocol.ErrCodeMalformed, "unroutable message type")
		m.collector.RecordError("transport")
		return
	}

	event := broker.Event{
		UserID:   conn.UserID,
		UserType: string(conn.UserType),
		ServerID: m.serverID,
		Source:   source,
		Type:     string(msg.Type),
		Ts:       msg.Ts,
		Payload:  msg.Payload,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.broker.Publish(ctx, channel, event); err != nil {
			log.Warn().Err(err).Str("channel", channel).Str("user_id", conn.UserID).
				Msg("Business publish failed")
			m.collector.RecordError("broker")
			return
		}
		metrics.BrokerMessagesPublished.WithLabelValues(m.broker.Type()).Inc()
	}()
}

func (m *Manager) handleTokenRefresh(conn *Connection, msg protocol.Message) {
	if m.refresher == nil {
		conn.sendError(protocol.ErrCodeNotAuthorized, "token refresh unavailable")
		m.collector.RecordError("authorization")
		return
	}

	var req tokenRefreshRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		conn.sendError(protocol.ErrCodeMalformed, "invalid token_refresh payload")
		m.collector.RecordError("transport")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	newToken, expiry, err := m.refresher.Refresh(ctx, conn.UserID, req.Token)
	if err != nil {
		log.Warn().Err(err).Str("user_id", conn.UserID).Msg("Token refresh failed")
		conn.sendError(protocol.ErrCodeNotAuthorized, "token refresh rejected")
		m.collector.RecordError("authorization")
		return
	}

	conn.tokenExpiry.Store(expiry.UnixMilli())
	payload, _ := json.Marshal(tokenRefreshedPayload{Token: newToken, ExpiresAt: expiry.UnixMilli()})
	reply := protocol.Message{Type: protocol.TypeTokenRefreshed, Ts: time.Now().UnixMilli(), Payload: payload}
	if err := conn.transport.WriteJSON(reply); err != nil {
		log.Debug().Err(err).Str("connection_id", conn.ID).Msg("token_refreshed send failed")
	}
}

func payloadOrNull(p json.RawMessage) []byte {
	if len(p) == 0 {
		return []byte("null")
	}
	return p
}
