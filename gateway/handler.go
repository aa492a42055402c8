package gateway

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rideflow/realtime-gateway/config"
	"github.com/rideflow/realtime-gateway/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests into managed gateway connections.
type Handler struct {
	manager   *Manager
	validator *TokenValidator
	authCfg   *config.AuthConfig
}

// NewHandler creates the websocket endpoint handler. validator may be nil
// when auth is disabled.
func NewHandler(manager *Manager, validator *TokenValidator, authCfg *config.AuthConfig) *Handler {
	return &Handler{manager: manager, validator: validator, authCfg: authCfg}
}

// HandleWebSocket is the /ws endpoint. Connection parameters arrive as query
// parameters: userId, userType, deviceId, platform, and optionally sessionId
// for resumption plus the auth token.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	userType := q.Get("userType")
	deviceID := q.Get("deviceId")
	platform := q.Get("platform")
	sessionID := q.Get("sessionId")

	if userID == "" || !protocol.ValidUserType(userType) {
		http.Error(w, "missing or invalid userId/userType", http.StatusBadRequest)
		return
	}
	if !protocol.ValidPlatform(platform) {
		http.Error(w, "invalid platform", http.StatusBadRequest)
		return
	}

	tokenExpiry := time.Now().Add(24 * time.Hour)
	if h.authCfg.Enabled {
		if h.validator == nil {
			log.Error().Msg("Auth is enabled but token validator is not initialized")
			http.Error(w, "internal server configuration error", http.StatusInternalServerError)
			return
		}

		tokenString := q.Get(h.authCfg.TokenQueryParam)
		if tokenString == "" {
			http.Error(w, "missing authentication token", http.StatusUnauthorized)
			return
		}
		claims, err := h.validator.Validate(tokenString)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Handshake token rejected")
			http.Error(w, "invalid authentication token", http.StatusUnauthorized)
			return
		}
		if claims.Subject != "" && claims.Subject != userID {
			http.Error(w, "token subject mismatch", http.StatusUnauthorized)
			return
		}
		tokenExpiry = claims.Expiry()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	cfg := h.manager.cfg.Gateway
	transport := NewWebSocketTransport(conn, time.Duration(cfg.WriteTimeout)*time.Second)

	connectionID, err := h.manager.HandleConnection(r.Context(), transport, ConnectParams{
		UserID:      userID,
		UserType:    protocol.UserType(userType),
		DeviceID:    deviceID,
		Platform:    protocol.Platform(platform),
		Metadata:    map[string]string{"remote_addr": r.RemoteAddr},
		TokenExpiry: tokenExpiry,
		SessionID:   sessionID,
	})
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Connection registration failed")
		conn.Close()
		return
	}

	h.readLoop(connectionID, transport)
}

// readLoop pumps client frames into the dispatcher until the transport dies.
// It runs on the upgrade request's goroutine, one per connection.
func (h *Handler) readLoop(connectionID string, transport Transport) {
	for {
		raw, err := transport.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				!errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Str("connection_id", connectionID).Msg("Read error")
			}
			h.manager.HandleDisconnection(connectionID)
			return
		}

		conn, ok := h.manager.GetConnection(connectionID)
		if !ok {
			// Evicted or shut down while a frame was in flight.
			return
		}
		h.manager.HandleInbound(conn, raw)
	}
}
