package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanSend(t *testing.T) {
	testCases := []struct {
		name     string
		userType UserType
		msgType  MessageType
		expected bool
	}{
		{"Driver can send location updates", UserDriver, TypeLocationUpdate, true},
		{"Rider cannot send location updates", UserRider, TypeLocationUpdate, false},
		{"Restaurant cannot send driver location", UserRestaurant, TypeDriverLocation, false},
		{"Rider can request rides", UserRider, TypeRideRequest, true},
		{"Driver cannot request rides", UserDriver, TypeRideRequest, false},
		{"Driver can answer dispatch", UserDriver, TypeDispatchResponse, true},
		{"Restaurant can answer dispatch", UserRestaurant, TypeDispatchResponse, true},
		{"Rider cannot answer dispatch", UserRider, TypeDispatchResponse, false},
		{"Restaurant can push order status", UserRestaurant, TypeOrderStatus, true},
		{"Delivery partner cannot push order status", UserDeliveryPartner, TypeOrderStatus, false},
		{"Unrestricted type is open to anyone", UserRider, TypeETAUpdate, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, CanSend(tc.userType, tc.msgType))
		})
	}
}

func TestPriorityFor(t *testing.T) {
	testCases := []struct {
		msgType  MessageType
		expected Priority
	}{
		{TypeDispatchRequest, PriorityHigh},
		{TypeRideStatus, PriorityHigh},
		{TypeOrderStatus, PriorityHigh},
		{TypeTokenRefreshed, PriorityHigh},
		{TypeNotification, PriorityLow},
		{TypeETAUpdate, PriorityLow},
		{TypeDriverLocation, PriorityLow},
		{TypeLocationUpdate, PriorityNormal},
		{TypeRideRequest, PriorityNormal},
	}

	for _, tc := range testCases {
		t.Run(string(tc.msgType), func(t *testing.T) {
			assert.Equal(t, tc.expected, PriorityFor(tc.msgType))
		})
	}
}

func TestIsControl(t *testing.T) {
	assert.True(t, Message{Type: TypeHeartbeat}.IsControl())
	assert.True(t, Message{Type: TypeHeartbeatAck}.IsControl())
	assert.True(t, Message{Type: TypeAck}.IsControl())
	assert.False(t, Message{Type: TypeRideStatus}.IsControl())
	assert.False(t, Message{Type: TypeError}.IsControl())
	assert.False(t, Message{Type: TypeReconnect}.IsControl())
}

func TestBufferedMessageExpired(t *testing.T) {
	now := time.Now()
	entry := BufferedMessage{ExpiresAt: now.Add(time.Minute).UnixMilli()}
	assert.False(t, entry.Expired(now))
	assert.True(t, entry.Expired(now.Add(2*time.Minute)))
	assert.True(t, entry.Expired(time.UnixMilli(entry.ExpiresAt)))
}

func TestNewError(t *testing.T) {
	msg := NewError(ErrCodeNotAuthorized, "order_status not allowed for rider")
	assert.Equal(t, TypeError, msg.Type)
	assert.NotZero(t, msg.Ts)
	assert.JSONEq(t,
		`{"code":"NOT_AUTHORIZED","details":"order_status not allowed for rider"}`,
		string(msg.Payload))
}

func TestValidation(t *testing.T) {
	assert.True(t, ValidUserType("driver"))
	assert.True(t, ValidUserType("delivery_partner"))
	assert.False(t, ValidUserType("admin"))
	assert.False(t, ValidUserType(""))

	assert.True(t, ValidPlatform("ios"))
	assert.True(t, ValidPlatform("web"))
	assert.False(t, ValidPlatform("windows"))
}
