package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rideflow/realtime-gateway/store"
)

// SharedStore implements Store on the shared external store.
type SharedStore struct {
	backend store.Store
	ttl     time.Duration
}

// NewSharedStore creates a session store with the given reconnection window.
func NewSharedStore(backend store.Store, ttl time.Duration) *SharedStore {
	return &SharedStore{backend: backend, ttl: ttl}
}

// Save creates or overwrites a session record with a fresh TTL.
func (s *SharedStore) Save(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.backend.Set(ctx, store.SessionKey(session.SessionID), data, s.ttl)
}

// Get retrieves a session. An absent or expired session is (nil, nil), not an
// error: the caller treats it as "start fresh".
func (s *SharedStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.backend.Get(ctx, store.SessionKey(sessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Delete removes a session record.
func (s *SharedStore) Delete(ctx context.Context, sessionID string) error {
	return s.backend.Delete(ctx, store.SessionKey(sessionID))
}

// RefreshTTL extends the session's lifetime. A missing key is a no-op.
func (s *SharedStore) RefreshTTL(ctx context.Context, sessionID string) error {
	return s.backend.Expire(ctx, store.SessionKey(sessionID), s.ttl)
}
