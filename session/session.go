package session

import (
	"context"
	"time"

	"github.com/rideflow/realtime-gateway/protocol"
)

// Session is the reconnection-scoped identity that outlives a single
// connection. A client that reconnects within the TTL and presents its
// session ID inherits the sequence counters, which is what makes brief
// disconnections lossless.
type Session struct {
	SessionID   string            `json:"session_id"`
	UserID      string            `json:"user_id"`
	UserType    protocol.UserType `json:"user_type"`
	DeviceID    string            `json:"device_id"`
	Platform    protocol.Platform `json:"platform"`
	ServerID    string            `json:"server_id"` // gateway instance last holding the connection
	LastSeq     int64             `json:"last_seq"`  // highest outbound seq the client has acked
	OutboundSeq int64             `json:"outbound_seq"`
	ConnectedAt time.Time         `json:"connected_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
}

// Store defines session persistence. Implementations must treat the shared
// store as authoritative: a reconnect is validated against it, never against
// local memory.
type Store interface {
	// Save creates or overwrites a session and resets its TTL.
	Save(ctx context.Context, session *Session) error
	// Get retrieves a session by ID; (nil, nil) when absent or expired.
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Delete removes a session.
	Delete(ctx context.Context, sessionID string) error
	// RefreshTTL extends the session's lifetime in the store.
	RefreshTTL(ctx context.Context, sessionID string) error
}
