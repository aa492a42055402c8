package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rideflow/realtime-gateway/broker"
	"github.com/rideflow/realtime-gateway/buffer"
	"github.com/rideflow/realtime-gateway/config"
	"github.com/rideflow/realtime-gateway/metrics"
	"github.com/rideflow/realtime-gateway/protocol"
	"github.com/rideflow/realtime-gateway/session"
	"github.com/rideflow/realtime-gateway/store"
)

// fanoutEnvelope wraps a message published for cross-process delivery. The
// origin server skips its own publishes; it already delivered locally.
type fanoutEnvelope struct {
	Origin  string           `json:"origin"`
	UserID  string           `json:"user_id,omitempty"`
	Message protocol.Message `json:"message"`
}

// lifecycleEvent is published on the connection-events channel for business
// services tracking presence.
type lifecycleEvent struct {
	Event        string            `json:"event"` // connected, reconnected, disconnected
	ConnectionID string            `json:"connection_id"`
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	UserType     protocol.UserType `json:"user_type"`
	Platform     protocol.Platform `json:"platform"`
	ServerID     string            `json:"server_id"`
	Ts           int64             `json:"ts"`
}

// sessionAnnouncement tells a freshly connected client its session identity
// and where the sequence streams stand.
type sessionAnnouncement struct {
	SessionID   string `json:"sessionId"`
	Resumed     bool   `json:"resumed"`
	LastSeq     int64  `json:"lastSeq"`
	OutboundSeq int64  `json:"outboundSeq"`
}

// Manager owns every live connection on this gateway instance: handshakes,
// heartbeats, sequence bookkeeping, ack tracking, fan-out, and the
// coordination with buffer, sessions, broker and the shared store.
type Manager struct {
	serverID  string
	cfg       *config.AppConfig
	store     store.Store
	sessions  session.Store
	buffer    *buffer.Buffer
	broker    broker.MessageBroker
	collector *metrics.Collector
	refresher TokenRefresher

	mu       sync.RWMutex
	conns    map[string]*Connection
	byUser   map[string][]*Connection // oldest first
	userSubs map[string]func()

	seqMu   sync.Mutex
	userSeq map[string]int64 // outbound waterline per user, seeded from store

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager. refresher may be nil when token refresh is not
// wired; clients then receive an error envelope for token_refresh.
func NewManager(serverID string, cfg *config.AppConfig, st store.Store, sessions session.Store,
	buf *buffer.Buffer, br broker.MessageBroker, collector *metrics.Collector, refresher TokenRefresher) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		serverID:  serverID,
		cfg:       cfg,
		store:     st,
		sessions:  sessions,
		buffer:    buf,
		broker:    br,
		collector: collector,
		refresher: refresher,
		conns:     make(map[string]*Connection),
		byUser:    make(map[string][]*Connection),
		userSubs:  make(map[string]func()),
		userSeq:   make(map[string]int64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ServerID returns this gateway instance's identity.
func (m *Manager) ServerID() string { return m.serverID }

// Start subscribes to the cross-process broadcast channels.
func (m *Manager) Start() error {
	channels := []string{
		store.BroadcastChannel,
		store.TypeBroadcastChannel(string(protocol.UserRider)),
		store.TypeBroadcastChannel(string(protocol.UserDriver)),
		store.TypeBroadcastChannel(string(protocol.UserRestaurant)),
		store.TypeBroadcastChannel(string(protocol.UserDeliveryPartner)),
	}
	for _, channel := range channels {
		ch, cancel, err := m.store.Subscribe(m.ctx, channel)
		if err != nil {
			return fmt.Errorf("broadcast subscription failed: %w", err)
		}
		m.wg.Add(1)
		go m.broadcastLoop(channel, ch, cancel)
	}
	return nil
}

// ListenForEvents consumes business-service deliveries from the broker and
// routes them to their target users. Events stamped with a ServerID are only
// handled by that instance; unstamped events route wherever they land, which
// with the Kafka backbone is exactly one consumer-group member.
func (m *Manager) ListenForEvents(channels ...string) error {
	for _, channel := range channels {
		ch, err := m.broker.Subscribe(m.ctx, channel)
		if err != nil {
			return fmt.Errorf("broker subscription failed on %s: %w", channel, err)
		}
		m.wg.Add(1)
		go m.eventLoop(channel, ch)
	}
	return nil
}

func (m *Manager) eventLoop(channel string, ch <-chan broker.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				log.Warn().Str("channel", channel).Msg("Broker channel closed")
				return
			}
			if ev.ServerID != "" && ev.ServerID != m.serverID {
				continue
			}
			if ev.UserID == "" {
				continue
			}
			msg := protocol.NewMessage(protocol.MessageType(ev.Type), ev.Payload)
			if ev.Ts != 0 {
				msg.Ts = ev.Ts
			}
			m.SendToUser(m.ctx, ev.UserID, msg)
		}
	}
}

// HandleConnection registers a new or resumed session over transport and
// returns the connection ID. When sessionID resolves to a live session the
// sequence counters are inherited and buffered messages are replayed.
func (m *Manager) HandleConnection(ctx context.Context, transport Transport, p ConnectParams) (string, error) {
	select {
	case <-m.ctx.Done():
		return "", fmt.Errorf("gateway is shutting down")
	default:
	}

	connectionID := uuid.New().String()

	// Resumption is validated against the shared store, never local memory.
	var resumed *session.Session
	if p.SessionID != "" {
		sess, err := m.sessions.Get(ctx, p.SessionID)
		if err != nil {
			log.Warn().Err(err).Str("session_id", p.SessionID).Msg("Session lookup failed, starting fresh")
			m.collector.RecordError("store")
		} else if sess != nil && sess.UserID == p.UserID {
			resumed = sess
		}
	}

	sessionID := p.SessionID
	if resumed == nil {
		sessionID = uuid.New().String()
	}

	conn := newConnection(connectionID, sessionID, transport, &m.cfg.Gateway, p)

	replayFrom := int64(-1)
	if resumed != nil {
		conn.lastAckedSeq.Store(resumed.LastSeq)
		conn.ReconnectCount = 1
		m.seedUserSeq(p.UserID, resumed.OutboundSeq)
		replayFrom = resumed.LastSeq
	}

	m.mu.Lock()
	// Per-user connection cap: evict the oldest when exceeded.
	var evict *Connection
	if existing := m.byUser[p.UserID]; len(existing) >= m.cfg.Gateway.MaxConnectionsPerUser {
		evict = existing[0]
	}
	m.conns[connectionID] = conn
	m.byUser[p.UserID] = append(m.byUser[p.UserID], conn)
	firstForUser := len(m.byUser[p.UserID]) == 1
	m.mu.Unlock()

	if evict != nil {
		log.Info().Str("user_id", p.UserID).Str("connection_id", evict.ID).
			Msg("Evicting oldest connection: per-user cap exceeded")
		metrics.ConnectionsEvicted.Inc()
		evict.transport.Close(websocket.ClosePolicyViolation, "connection limit exceeded")
		m.HandleDisconnection(evict.ID)
	}

	// Cross-process discovery. Failure is logged but not fatal: local
	// delivery still works, the buffer covers the rest.
	registryTTL := time.Duration(m.cfg.Gateway.SessionTTL) * time.Millisecond
	member := m.serverID + "/" + connectionID
	if err := m.store.SetAdd(ctx, store.UserConnectionsKey(p.UserID), member, registryTTL); err != nil {
		log.Warn().Err(err).Str("user_id", p.UserID).Msg("Failed to register connection in store")
		m.collector.RecordError("store")
	}
	if err := m.store.SetAdd(ctx, store.ServerConnectionsKey(m.serverID), connectionID, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to register connection for server")
	}

	if firstForUser {
		m.subscribeUser(p.UserID)
	}

	// Persist the session immediately so a crash before the first disconnect
	// still leaves a resumable record.
	if err := m.sessions.Save(ctx, m.sessionRecord(conn)); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to persist session")
		m.collector.RecordError("store")
	}

	event := "connected"
	m.collector.RecordConnection(connectionID)
	if resumed != nil {
		event = "reconnected"
		m.collector.RecordReconnection()
	}
	m.publishLifecycle(ctx, event, conn)

	announcement, _ := json.Marshal(sessionAnnouncement{
		SessionID:   sessionID,
		Resumed:     resumed != nil,
		LastSeq:     conn.lastAckedSeq.Load(),
		OutboundSeq: m.peekUserSeq(p.UserID),
	})
	if err := conn.transport.WriteJSON(protocol.Message{
		Type:    protocol.TypeReconnect,
		Ts:      time.Now().UnixMilli(),
		Payload: announcement,
	}); err != nil {
		log.Warn().Err(err).Str("connection_id", connectionID).Msg("Failed to announce session")
	}

	m.wg.Add(1)
	go m.heartbeatLoop(conn)

	if resumed != nil {
		m.replayBuffered(ctx, conn, replayFrom)
	}

	log.Info().Str("connection_id", connectionID).Str("user_id", p.UserID).
		Str("user_type", string(p.UserType)).Bool("resumed", resumed != nil).
		Msg("Connection established")
	return connectionID, nil
}

// SendToConnection delivers msg to one local connection. Non-control messages
// get a sequence number and are tracked for acknowledgment; delivery failure
// or retry exhaustion escalates to the user's buffer.
func (m *Manager) SendToConnection(connectionID string, msg protocol.Message) bool {
	return m.sendToConnection(connectionID, msg, true)
}

// sendToConnection is the delivery core. bufferOnFail controls whether a
// failed write escalates to the buffer; replay passes false because a
// replayed message is still buffered, and re-adding it would leave two
// entries at the same seq.
func (m *Manager) sendToConnection(connectionID string, msg protocol.Message, bufferOnFail bool) bool {
	m.mu.RLock()
	conn, ok := m.conns[connectionID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	if msg.Ts == 0 {
		msg.Ts = time.Now().UnixMilli()
	}
	if !msg.IsControl() && msg.Seq == 0 {
		msg.Seq = m.nextUserSeq(conn.UserID)
	}

	if err := conn.writeMessage(msg); err != nil {
		log.Warn().Err(err).Str("connection_id", connectionID).Int64("seq", msg.Seq).
			Msg("Send failed, buffering")
		m.collector.RecordError("transport")
		if bufferOnFail && !msg.IsControl() {
			m.buffer.Add(m.ctx, conn.UserID, msg, protocol.PriorityHigh)
		}
		return false
	}

	m.collector.RecordMessageSent(connectionID, messageSize(msg))

	if !msg.IsControl() {
		conn.trackPending(msg,
			func(pending protocol.Message) bool {
				if err := conn.writeMessage(pending); err != nil {
					log.Debug().Err(err).Str("connection_id", connectionID).
						Int64("seq", pending.Seq).Msg("Pending-ack resend failed")
					return false
				}
				return true
			},
			func(expired protocol.Message) {
				log.Info().Str("connection_id", connectionID).Int64("seq", expired.Seq).
					Msg("Retries exhausted, escalating to buffer")
				m.buffer.Add(m.ctx, conn.UserID, expired, protocol.PriorityHigh)
			})
	}
	return true
}

// SendToUser delivers msg to all of a user's connections everywhere: local
// delivery, a cross-process publish, and the offline buffer when the user has
// no connection on any process.
func (m *Manager) SendToUser(ctx context.Context, userID string, msg protocol.Message) {
	if msg.Ts == 0 {
		msg.Ts = time.Now().UnixMilli()
	}
	if !msg.IsControl() && msg.Seq == 0 {
		msg.Seq = m.nextUserSeq(userID)
	}

	m.mu.RLock()
	local := append([]*Connection(nil), m.byUser[userID]...)
	m.mu.RUnlock()

	for _, conn := range local {
		m.SendToConnection(conn.ID, msg)
	}

	// Other processes deliver to their local connections of this user; the
	// same publish wakes long-pollers. Best effort: the buffer is the
	// correctness backstop.
	m.publishFanout(ctx, store.UserChannel(userID), fanoutEnvelope{
		Origin: m.serverID, UserID: userID, Message: msg,
	})

	count, err := m.store.SetCard(ctx, store.UserConnectionsKey(userID))
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Connection registry check failed, buffering")
		m.collector.RecordError("store")
		count = 0
	}
	if count == 0 {
		if m.buffer.Add(ctx, userID, msg, protocol.PriorityFor(msg.Type)) {
			// A poller may have started waiting between the buffer write and
			// the earlier publish; notify again now that the entry exists.
			m.publishFanout(ctx, store.UserChannel(userID), fanoutEnvelope{
				Origin: m.serverID, UserID: userID, Message: msg,
			})
		}
	}
}

// Broadcast delivers msg to every connection on every process.
func (m *Manager) Broadcast(ctx context.Context, msg protocol.Message) {
	if msg.Ts == 0 {
		msg.Ts = time.Now().UnixMilli()
	}

	m.deliverBroadcastLocal(msg, "")
	m.publishFanout(ctx, store.BroadcastChannel, fanoutEnvelope{Origin: m.serverID, Message: msg})
}

// BroadcastToType delivers msg to every connection of one user type on every
// process. Dispatch blasts to drivers ride this path.
func (m *Manager) BroadcastToType(ctx context.Context, userType protocol.UserType, msg protocol.Message) {
	if msg.Ts == 0 {
		msg.Ts = time.Now().UnixMilli()
	}

	m.deliverBroadcastLocal(msg, userType)
	m.publishFanout(ctx, store.TypeBroadcastChannel(string(userType)), fanoutEnvelope{
		Origin: m.serverID, Message: msg,
	})
}

// HandleDisconnection tears down a connection: pending acks become
// high-priority buffered messages, the session is persisted for the
// reconnection window, and registries are cleaned up.
func (m *Manager) HandleDisconnection(connectionID string) {
	m.mu.Lock()
	conn, ok := m.conns[connectionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connectionID)

	remaining := m.byUser[conn.UserID][:0]
	for _, c := range m.byUser[conn.UserID] {
		if c.ID != connectionID {
			remaining = append(remaining, c)
		}
	}
	lastForUser := len(remaining) == 0
	if lastForUser {
		delete(m.byUser, conn.UserID)
	} else {
		m.byUser[conn.UserID] = remaining
	}
	m.mu.Unlock()

	conn.cancel()

	for _, msg := range conn.drainPending() {
		m.buffer.Add(m.ctx, conn.UserID, msg, protocol.PriorityHigh)
	}

	// Persist the session so the client can resume within the TTL window.
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()
	if err := m.sessions.Save(ctx, m.sessionRecord(conn)); err != nil {
		log.Warn().Err(err).Str("session_id", conn.SessionID).Msg("Failed to persist session on disconnect")
		m.collector.RecordError("store")
	}

	member := m.serverID + "/" + connectionID
	if err := m.store.SetRemove(ctx, store.UserConnectionsKey(conn.UserID), member); err != nil {
		log.Warn().Err(err).Str("user_id", conn.UserID).Msg("Failed to deregister connection")
	}
	m.store.SetRemove(ctx, store.ServerConnectionsKey(m.serverID), connectionID)

	if lastForUser {
		m.unsubscribeUser(conn.UserID)
	}

	m.collector.RecordDisconnection(connectionID)
	m.publishLifecycle(ctx, "disconnected", conn)

	log.Info().Str("connection_id", connectionID).Str("user_id", conn.UserID).Msg("Connection closed")
}

// GetConnection returns a live connection by ID.
func (m *Manager) GetConnection(connectionID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connectionID]
	return conn, ok
}

// ActiveConnections returns the number of live local connections.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Shutdown closes every live connection gracefully and flushes bookkeeping.
func (m *Manager) Shutdown(ctx context.Context) {
	m.cancel()

	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if conn, ok := m.GetConnection(id); ok {
			conn.transport.Close(websocket.CloseGoingAway, protocol.ErrCodeServerShutdown)
		}
		m.HandleDisconnection(id)
	}

	m.store.Delete(ctx, store.ServerConnectionsKey(m.serverID))
	m.collector.Flush(ctx, 0, 0)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Shutdown timed out waiting for background loops")
	}
}

// --- internal plumbing ---

func (m *Manager) sessionRecord(conn *Connection) *session.Session {
	return &session.Session{
		SessionID:   conn.SessionID,
		UserID:      conn.UserID,
		UserType:    conn.UserType,
		DeviceID:    conn.DeviceID,
		Platform:    conn.Platform,
		ServerID:    m.serverID,
		LastSeq:     conn.lastAckedSeq.Load(),
		OutboundSeq: m.peekUserSeq(conn.UserID),
		ConnectedAt: conn.ConnectedAt,
		LastSeenAt:  time.Now(),
	}
}

// nextUserSeq advances the user's outbound waterline. The counter is seeded
// from the highest buffered seq so the stream stays monotonic across process
// boundaries and cold starts.
func (m *Manager) nextUserSeq(userID string) int64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()

	seq, ok := m.userSeq[userID]
	if !ok {
		seq = m.highestBufferedSeq(userID)
	}
	seq++
	m.userSeq[userID] = seq
	return seq
}

func (m *Manager) peekUserSeq(userID string) int64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	return m.userSeq[userID]
}

// seedUserSeq raises the user's waterline to at least seq.
func (m *Manager) seedUserSeq(userID string, seq int64) {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	if seq > m.userSeq[userID] {
		m.userSeq[userID] = seq
	}
}

func (m *Manager) highestBufferedSeq(userID string) int64 {
	entries, err := m.store.SeqRangeAfter(m.ctx, store.UserBufferKey(userID), -1)
	if err != nil || len(entries) == 0 {
		return 0
	}
	var last protocol.BufferedMessage
	if err := json.Unmarshal(entries[len(entries)-1], &last); err != nil {
		return 0
	}
	return last.Message.Seq
}

// touchRegistry re-adds the connection's registry entry, resetting the key's
// TTL. Without this, a connection outliving the session TTL drops out of the
// cross-process registry and SendToUser starts buffering for a user who is
// still online.
func (m *Manager) touchRegistry(ctx context.Context, conn *Connection) {
	ttl := time.Duration(m.cfg.Gateway.SessionTTL) * time.Millisecond
	member := m.serverID + "/" + conn.ID
	if err := m.store.SetAdd(ctx, store.UserConnectionsKey(conn.UserID), member, ttl); err != nil {
		log.Debug().Err(err).Str("user_id", conn.UserID).Msg("Registry refresh failed")
		m.collector.RecordError("store")
	}
}

// replayBuffered redelivers buffered messages with seq > fromSeq in ascending
// order and clears the delivered prefix.
func (m *Manager) replayBuffered(ctx context.Context, conn *Connection, fromSeq int64) {
	pending, err := m.buffer.Pending(ctx, conn.UserID, fromSeq)
	if err != nil {
		log.Warn().Err(err).Str("user_id", conn.UserID).Msg("Buffered replay read failed")
		m.collector.RecordError("store")
		return
	}

	var delivered int64 = -1
	for _, entry := range pending {
		if !m.sendToConnection(conn.ID, entry.Message, false) {
			break
		}
		delivered = entry.Message.Seq
	}
	if delivered >= 0 {
		if err := m.buffer.Clear(ctx, conn.UserID, delivered); err != nil {
			log.Warn().Err(err).Str("user_id", conn.UserID).Msg("Failed to clear replayed messages")
		}
		log.Info().Str("connection_id", conn.ID).Int64("up_to_seq", delivered).
			Int("count", len(pending)).Msg("Replayed buffered messages")
	}
}

func (m *Manager) deliverBroadcastLocal(msg protocol.Message, userType protocol.UserType) {
	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		if userType == "" || conn.UserType == userType {
			targets = append(targets, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range targets {
		// Broadcasts share one seq stamp; per-user streams would reorder
		// under fan-in anyway, and broadcast delivery is fire-and-forget.
		if err := conn.transport.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Str("connection_id", conn.ID).Msg("Broadcast delivery failed")
			continue
		}
		m.collector.RecordMessageSent(conn.ID, messageSize(msg))
	}
}

func (m *Manager) publishFanout(ctx context.Context, channel string, env fanoutEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal fanout envelope")
		return
	}
	if err := m.store.Publish(ctx, channel, data); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("Cross-process publish failed")
		m.collector.RecordError("store")
	}
}

func (m *Manager) publishLifecycle(ctx context.Context, event string, conn *Connection) {
	data, err := json.Marshal(lifecycleEvent{
		Event:        event,
		ConnectionID: conn.ID,
		SessionID:    conn.SessionID,
		UserID:       conn.UserID,
		UserType:     conn.UserType,
		Platform:     conn.Platform,
		ServerID:     m.serverID,
		Ts:           time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := m.store.Publish(ctx, store.ConnectionEventsChannel, data); err != nil {
		log.Debug().Err(err).Msg("Failed to publish lifecycle event")
	}
}

// subscribeUser opens the user's cross-process channel on the first local
// connection for that user.
func (m *Manager) subscribeUser(userID string) {
	ch, cancel, err := m.store.Subscribe(m.ctx, store.UserChannel(userID))
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("User channel subscription failed")
		m.collector.RecordError("store")
		return
	}

	m.mu.Lock()
	m.userSubs[userID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for payload := range ch {
			var env fanoutEnvelope
			if err := json.Unmarshal(payload, &env); err != nil {
				log.Warn().Err(err).Msg("Undecodable fanout payload")
				continue
			}
			if env.Origin == m.serverID {
				continue
			}

			m.mu.RLock()
			local := append([]*Connection(nil), m.byUser[userID]...)
			m.mu.RUnlock()
			for _, conn := range local {
				m.SendToConnection(conn.ID, env.Message)
			}
		}
	}()
}

func (m *Manager) unsubscribeUser(userID string) {
	m.mu.Lock()
	cancel, ok := m.userSubs[userID]
	if ok {
		delete(m.userSubs, userID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) broadcastLoop(channel string, ch <-chan []byte, cancel func()) {
	defer m.wg.Done()
	defer cancel()
	for {
		select {
		case <-m.ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			var env fanoutEnvelope
			if err := json.Unmarshal(payload, &env); err != nil {
				log.Warn().Err(err).Str("channel", channel).Msg("Undecodable broadcast payload")
				continue
			}
			if env.Origin == m.serverID {
				continue
			}

			userType := protocol.UserType("")
			if t, found := parseTypeChannel(channel); found {
				userType = t
			}
			m.deliverBroadcastLocal(env.Message, userType)
		}
	}
}

func parseTypeChannel(channel string) (protocol.UserType, bool) {
	for _, t := range []protocol.UserType{
		protocol.UserRider, protocol.UserDriver, protocol.UserRestaurant, protocol.UserDeliveryPartner,
	} {
		if channel == store.TypeBroadcastChannel(string(t)) {
			return t, true
		}
	}
	return "", false
}

func messageSize(msg protocol.Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	return len(data)
}
