package protocol

import (
	"encoding/json"
	"time"
)

// MessageType discriminates the wire envelope. The dispatcher switches on it
// exhaustively; adding a type here without handling it is a compile-time smell.
type MessageType string

const (
	TypeHeartbeat        MessageType = "heartbeat"
	TypeHeartbeatAck     MessageType = "heartbeat_ack"
	TypeAck              MessageType = "ack"
	TypeLocationUpdate   MessageType = "location_update"
	TypeRideRequest      MessageType = "ride_request"
	TypeRideStatus       MessageType = "ride_status"
	TypeDriverLocation   MessageType = "driver_location"
	TypeETAUpdate        MessageType = "eta_update"
	TypeNotification     MessageType = "notification"
	TypeOrderStatus      MessageType = "order_status"
	TypeDispatchRequest  MessageType = "dispatch_request"
	TypeDispatchResponse MessageType = "dispatch_response"
	TypeTokenRefresh     MessageType = "token_refresh"
	TypeTokenRefreshed   MessageType = "token_refreshed"
	TypeError            MessageType = "error"
	TypeReconnect        MessageType = "reconnect"
)

// UserType identifies which side of the marketplace a connection belongs to.
type UserType string

const (
	UserRider           UserType = "rider"
	UserDriver          UserType = "driver"
	UserRestaurant      UserType = "restaurant"
	UserDeliveryPartner UserType = "delivery_partner"
)

// Platform is the client platform, carried for metrics and debugging.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Priority controls buffer admission when a user's offline queue is full.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Error codes carried in error envelopes.
const (
	ErrCodeMessageTooLarge = "MESSAGE_TOO_LARGE"
	ErrCodeMalformed       = "MALFORMED_MESSAGE"
	ErrCodeNotAuthorized   = "NOT_AUTHORIZED"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeSessionExpired  = "SESSION_EXPIRED"
	ErrCodeServerShutdown  = "SERVER_SHUTDOWN"
)

// Message is the wire envelope. Seq is monotonic per connection per direction.
// AckSeq, when present, is cumulative: it acknowledges every message with
// seq <= AckSeq in the opposite direction.
type Message struct {
	Type    MessageType     `json:"type"`
	Seq     int64           `json:"seq,omitempty"`
	Ts      int64           `json:"ts"` // unix milliseconds
	AckSeq  int64           `json:"ackSeq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage stamps a message with the current time.
func NewMessage(t MessageType, payload json.RawMessage) Message {
	return Message{Type: t, Ts: time.Now().UnixMilli(), Payload: payload}
}

// ErrorPayload is the payload of an error envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// NewError builds an error envelope for the given code.
func NewError(code, details string) Message {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Details: details})
	return Message{Type: TypeError, Ts: time.Now().UnixMilli(), Payload: payload}
}

// IsControl reports whether the message is part of the liveness/ack machinery
// rather than a deliverable payload. Control messages never get sequence
// numbers and are never buffered or retried.
func (m Message) IsControl() bool {
	switch m.Type {
	case TypeHeartbeat, TypeHeartbeatAck, TypeAck:
		return true
	}
	return false
}

// BufferedMessage wraps a message persisted in a user's offline queue.
type BufferedMessage struct {
	Message   Message  `json:"message"`
	CreatedAt int64    `json:"createdAt"` // unix milliseconds
	ExpiresAt int64    `json:"expiresAt"` // unix milliseconds
	Attempts  int      `json:"attempts"`
	Priority  Priority `json:"priority"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (b BufferedMessage) Expired(now time.Time) bool {
	return now.UnixMilli() >= b.ExpiresAt
}

// inboundAuthorization maps restricted inbound payload types to the user types
// allowed to send them. Types absent from the map are open to every user type.
var inboundAuthorization = map[MessageType][]UserType{
	TypeLocationUpdate:   {UserDriver},
	TypeDriverLocation:   {UserDriver},
	TypeRideRequest:      {UserRider},
	TypeDispatchResponse: {UserDriver, UserRestaurant, UserDeliveryPartner},
	TypeOrderStatus:      {UserRestaurant},
}

// PriorityFor maps an outbound message type to its buffer-admission priority.
// Dispatch and status changes must survive a full buffer; notifications are
// the first to be dropped.
func PriorityFor(t MessageType) Priority {
	switch t {
	case TypeDispatchRequest, TypeRideStatus, TypeOrderStatus, TypeTokenRefreshed:
		return PriorityHigh
	case TypeNotification, TypeETAUpdate, TypeDriverLocation:
		return PriorityLow
	}
	return PriorityNormal
}

// CanSend reports whether a user of the given type may send the given inbound
// message type.
func CanSend(ut UserType, mt MessageType) bool {
	allowed, restricted := inboundAuthorization[mt]
	if !restricted {
		return true
	}
	for _, a := range allowed {
		if a == ut {
			return true
		}
	}
	return false
}

// ValidUserType reports whether s names a known user type.
func ValidUserType(s string) bool {
	switch UserType(s) {
	case UserRider, UserDriver, UserRestaurant, UserDeliveryPartner:
		return true
	}
	return false
}

// ValidPlatform reports whether s names a known platform.
func ValidPlatform(s string) bool {
	switch Platform(s) {
	case PlatformIOS, PlatformAndroid, PlatformWeb:
		return true
	}
	return false
}
