package store

import "fmt"

// Key and channel names shared across gateway processes. Everything that two
// processes must agree on is named here and nowhere else.

// UserChannel carries messages fanned out to a user's connections on other
// processes, and wakes that user's long-pollers.
func UserChannel(userID string) string {
	return fmt.Sprintf("rtg:user:%s:channel", userID)
}

// UserBufferKey holds a user's offline message buffer.
func UserBufferKey(userID string) string {
	return fmt.Sprintf("rtg:user:%s:buffer", userID)
}

// UserConnectionsKey is the set of connection identifiers a user currently
// holds across every process.
func UserConnectionsKey(userID string) string {
	return fmt.Sprintf("rtg:user:%s:connections", userID)
}

// SessionKey holds a resumable session record.
func SessionKey(sessionID string) string {
	return fmt.Sprintf("rtg:session:%s", sessionID)
}

// ServerConnectionsKey is the per-process connection registry.
func ServerConnectionsKey(serverID string) string {
	return fmt.Sprintf("rtg:server:%s:connections", serverID)
}

// PollingSessionKey holds a long-poll fallback session record.
func PollingSessionKey(sessionID string) string {
	return fmt.Sprintf("rtg:polling:%s", sessionID)
}

// BufferIndexKey is the set of user IDs with a non-empty offline buffer,
// maintained so the expiry sweep knows where to look.
const BufferIndexKey = "rtg:buffer:index"

// BroadcastChannel carries messages for every connection on every process.
const BroadcastChannel = "rtg:broadcast:all"

// TypeBroadcastChannel carries messages for every connection of one user type.
func TypeBroadcastChannel(userType string) string {
	return fmt.Sprintf("rtg:broadcast:type:%s", userType)
}

// MetricsChannel carries per-process metrics snapshots for aggregation.
const MetricsChannel = "rtg:metrics:events"

// MetricsKey holds the latest flushed snapshot for one process.
func MetricsKey(serverID string) string {
	return fmt.Sprintf("rtg:metrics:%s", serverID)
}

// ConnectionEventsChannel carries connect/disconnect lifecycle events for
// interested business services (driver presence and the like).
const ConnectionEventsChannel = "rtg:events:connections"
