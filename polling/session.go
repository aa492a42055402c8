package polling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/rideflow/realtime-gateway/protocol"
	"github.com/rideflow/realtime-gateway/store"
)

// ErrSessionExpired is returned for polls against unknown or expired sessions.
var ErrSessionExpired = errors.New("polling: session expired")

// RateLimitedError carries the wait the client must observe before retrying.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("polling: rate limited, retry after %s", e.RetryAfter)
}

// Session is a long-poll fallback session. The store record is authoritative;
// the in-memory entry only holds this process's limiter and waiter state.
type Session struct {
	SessionID  string            `json:"session_id"`
	UserID     string            `json:"user_id"`
	UserType   protocol.UserType `json:"user_type"`
	DeviceID   string            `json:"device_id"`
	CreatedAt  int64             `json:"created_at"`   // unix ms
	LastPollAt int64             `json:"last_poll_at"` // unix ms
}

type localSession struct {
	limiter    *rate.Limiter
	lastSeenAt time.Time
}

// Result is one poll response.
type Result struct {
	Messages     []protocol.Message `json:"messages"`
	NextSeq      int64              `json:"nextSeq"`
	SessionID    string             `json:"sessionId"`
	ServerTime   int64              `json:"serverTime"`
	RetryAfterMs int64              `json:"retryAfterMs"`
}

func (h *Handler) sessionTTL() time.Duration {
	return time.Duration(h.cfg.SessionTTL) * time.Millisecond
}

func (h *Handler) saveSession(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal polling session: %w", err)
	}
	return h.store.Set(ctx, store.PollingSessionKey(sess.SessionID), data, h.sessionTTL())
}

func (h *Handler) loadSession(ctx context.Context, sessionID string) (*Session, error) {
	data, err := h.store.Get(ctx, store.PollingSessionKey(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionExpired
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal polling session: %w", err)
	}
	return &sess, nil
}

func (h *Handler) local(sessionID string) *localSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls, ok := h.locals[sessionID]
	if !ok {
		ls = &localSession{
			limiter: rate.NewLimiter(rate.Limit(h.rateLimit), h.rateBurst),
		}
		h.locals[sessionID] = ls
	}
	ls.lastSeenAt = time.Now()
	return ls
}

func (h *Handler) dropLocal(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.locals, sessionID)
}

// RunSweeper drops idle local session state on the configured interval. The
// store records expire on their own TTL.
func (h *Handler) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-h.sessionTTL())
			h.mu.Lock()
			removed := 0
			for id, ls := range h.locals {
				if ls.lastSeenAt.Before(cutoff) {
					delete(h.locals, id)
					removed++
				}
			}
			h.mu.Unlock()
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("Swept idle polling sessions")
			}
		}
	}
}
