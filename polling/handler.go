// Package polling is the degraded-mode HTTP long-poll fallback. It reads and
// writes through the same per-user buffer and notification channel as live
// connections, so a client downgraded from websocket keeps the same delivery
// contract.
package polling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rideflow/realtime-gateway/broker"
	"github.com/rideflow/realtime-gateway/buffer"
	"github.com/rideflow/realtime-gateway/config"
	"github.com/rideflow/realtime-gateway/metrics"
	"github.com/rideflow/realtime-gateway/protocol"
	"github.com/rideflow/realtime-gateway/store"
)

// Handler serves the long-poll fallback surface.
type Handler struct {
	serverID  string
	cfg       *config.PollingConfig
	store     store.Store
	buffer    *buffer.Buffer
	broker    broker.MessageBroker
	rateLimit int
	rateBurst int

	mu     sync.Mutex
	locals map[string]*localSession
}

// NewHandler creates the polling handler sharing the gateway's buffer, store
// and broker.
func NewHandler(serverID string, cfg *config.PollingConfig, st store.Store, buf *buffer.Buffer,
	br broker.MessageBroker, rateLimit, rateBurst int) *Handler {
	return &Handler{
		serverID:  serverID,
		cfg:       cfg,
		store:     st,
		buffer:    buf,
		broker:    br,
		rateLimit: rateLimit,
		rateBurst: rateBurst,
		locals:    make(map[string]*localSession),
	}
}

// CreateSession registers a fallback session for the user and returns its ID.
func (h *Handler) CreateSession(ctx context.Context, userID string, userType protocol.UserType, deviceID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("polling: userID is required")
	}

	sess := &Session{
		SessionID: uuid.New().String(),
		UserID:    userID,
		UserType:  userType,
		DeviceID:  deviceID,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := h.saveSession(ctx, sess); err != nil {
		return "", fmt.Errorf("polling: failed to create session: %w", err)
	}
	h.local(sess.SessionID)

	log.Info().Str("session_id", sess.SessionID).Str("user_id", userID).Msg("Polling session created")
	return sess.SessionID, nil
}

// Poll returns buffered messages past lastSeq, blocking up to the configured
// timeout for new arrivals. lastSeq doubles as the client's cumulative ack:
// everything at or below it is cleared from the buffer first.
func (h *Handler) Poll(ctx context.Context, sessionID string, lastSeq int64) (*Result, error) {
	sess, err := h.loadSession(ctx, sessionID)
	if err != nil {
		if err == ErrSessionExpired {
			metrics.PollRequests.WithLabelValues("expired").Inc()
		}
		return nil, err
	}

	now := time.Now()
	minInterval := time.Duration(h.cfg.MinInterval) * time.Millisecond
	if sess.LastPollAt > 0 {
		elapsed := now.Sub(time.UnixMilli(sess.LastPollAt))
		if elapsed < minInterval {
			metrics.PollRequests.WithLabelValues("rate_limited").Inc()
			return nil, &RateLimitedError{RetryAfter: minInterval - elapsed}
		}
	}
	sess.LastPollAt = now.UnixMilli()
	if err := h.saveSession(ctx, sess); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to refresh polling session")
	}
	h.local(sessionID)

	if lastSeq > 0 {
		if err := h.buffer.Clear(ctx, sess.UserID, lastSeq); err != nil {
			log.Warn().Err(err).Str("user_id", sess.UserID).Msg("Failed to clear acked messages")
		}
	}

	result := &Result{SessionID: sessionID, RetryAfterMs: int64(minInterval / time.Millisecond)}

	msgs, err := h.pendingMessages(ctx, sess.UserID, lastSeq)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		msgs, err = h.waitForMessages(ctx, sessionID, sess.UserID, lastSeq)
		if err != nil {
			return nil, err
		}
	}

	result.Messages = msgs
	result.NextSeq = lastSeq
	if n := len(msgs); n > 0 {
		result.NextSeq = msgs[n-1].Seq
		metrics.PollRequests.WithLabelValues("delivered").Inc()
	} else {
		metrics.PollRequests.WithLabelValues("empty").Inc()
	}
	result.ServerTime = time.Now().UnixMilli()
	return result, nil
}

// waitForMessages blocks on the user's notification channel until a message
// lands in the buffer, the session is deleted, the poll timeout lapses, or
// ctx is cancelled. The subscription is released on every path so session
// teardown never leaks waiters.
func (h *Handler) waitForMessages(ctx context.Context, sessionID, userID string, lastSeq int64) ([]protocol.Message, error) {
	notify, cancel, err := h.store.Subscribe(ctx, store.UserChannel(userID))
	if err != nil {
		return nil, fmt.Errorf("polling: notification subscribe failed: %w", err)
	}
	defer cancel()

	// A message may have been buffered between the first read and the
	// subscription; check once more before blocking.
	msgs, err := h.pendingMessages(ctx, userID, lastSeq)
	if err != nil || len(msgs) > 0 {
		return msgs, err
	}

	deadline := time.NewTimer(time.Duration(h.cfg.Timeout) * time.Millisecond)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case _, ok := <-notify:
			if !ok {
				return nil, nil
			}
			msgs, err := h.pendingMessages(ctx, userID, lastSeq)
			if err != nil {
				return nil, err
			}
			if len(msgs) > 0 {
				return msgs, nil
			}
			// An empty wake is either a message delivered elsewhere or the
			// teardown notification from DeleteSession; check which before
			// going back to sleep.
			if _, err := h.loadSession(ctx, sessionID); err != nil {
				return nil, err
			}
		}
	}
}

func (h *Handler) pendingMessages(ctx context.Context, userID string, lastSeq int64) ([]protocol.Message, error) {
	entries, err := h.buffer.Pending(ctx, userID, lastSeq)
	if err != nil {
		return nil, fmt.Errorf("polling: buffer read failed: %w", err)
	}
	msgs := make([]protocol.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, e.Message)
	}
	return msgs, nil
}

// SendMessage publishes an inbound client payload on its business channel,
// tagged as polling-sourced.
func (h *Handler) SendMessage(ctx context.Context, sessionID string, raw []byte) error {
	sess, err := h.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	ls := h.local(sessionID)
	if !ls.limiter.Allow() {
		return &RateLimitedError{RetryAfter: time.Second}
	}

	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("polling: %s: %w", protocol.ErrCodeMalformed, err)
	}
	if !protocol.CanSend(sess.UserType, msg.Type) {
		return fmt.Errorf("polling: %s: %s not allowed for %s",
			protocol.ErrCodeNotAuthorized, msg.Type, sess.UserType)
	}
	channel := broker.ChannelFor(msg.Type)
	if channel == "" {
		return fmt.Errorf("polling: %s: unroutable message type %s", protocol.ErrCodeMalformed, msg.Type)
	}

	event := broker.Event{
		UserID:   sess.UserID,
		UserType: string(sess.UserType),
		ServerID: h.serverID,
		Source:   "polling",
		Type:     string(msg.Type),
		Ts:       msg.Ts,
		Payload:  msg.Payload,
	}
	if err := h.broker.Publish(ctx, channel, event); err != nil {
		metrics.Errors.WithLabelValues("broker").Inc()
		return fmt.Errorf("polling: business publish failed: %w", err)
	}
	metrics.BrokerMessagesPublished.WithLabelValues(h.broker.Type()).Inc()
	return nil
}

// DeleteSession ends a fallback session. Waiters blocked on the user channel
// are woken by a notification so they observe the expiry promptly.
func (h *Handler) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := h.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := h.store.Delete(ctx, store.PollingSessionKey(sessionID)); err != nil {
		return fmt.Errorf("polling: failed to delete session: %w", err)
	}
	h.dropLocal(sessionID)
	h.store.Publish(ctx, store.UserChannel(sess.UserID), []byte(`{"origin":""}`))

	log.Info().Str("session_id", sessionID).Str("user_id", sess.UserID).Msg("Polling session deleted")
	return nil
}
