// Package broker carries domain events between the gateway and the business
// services (ride dispatch, order status, location ingestion). The gateway
// publishes inbound client payloads here and the services publish outbound
// deliveries back; which backbone carries them (Redis or Kafka) is a
// deployment choice.
package broker

import (
	"context"
	"encoding/json"

	"github.com/rideflow/realtime-gateway/protocol"
)

// Business channel names. These match the topics the platform services
// consume and produce.
const (
	LocationUpdatesChannel = "location-updates"
	RideEventsChannel      = "ride-events"
	OrderEventsChannel     = "order-events"
	DispatchEventsChannel  = "dispatch-events"
)

// Event is the unit exchanged with business services.
type Event struct {
	UserID   string          `json:"user_id"`
	UserType string          `json:"user_type"`
	ServerID string          `json:"server_id"`
	Source   string          `json:"source,omitempty"` // "websocket" or "polling"
	Type     string          `json:"type"`
	Ts       int64           `json:"ts"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// MessageBroker abstracts the business-event backbone.
type MessageBroker interface {
	Publish(ctx context.Context, channel string, event Event) error
	Subscribe(ctx context.Context, channel string) (<-chan Event, error)
	Close() error
	Type() string
}

// ChannelFor maps an inbound domain message type to its business channel.
// Control and gateway-internal types map to "".
func ChannelFor(t protocol.MessageType) string {
	switch t {
	case protocol.TypeLocationUpdate, protocol.TypeDriverLocation:
		return LocationUpdatesChannel
	case protocol.TypeRideRequest, protocol.TypeRideStatus, protocol.TypeETAUpdate:
		return RideEventsChannel
	case protocol.TypeOrderStatus:
		return OrderEventsChannel
	case protocol.TypeDispatchRequest, protocol.TypeDispatchResponse:
		return DispatchEventsChannel
	}
	return ""
}
