package polling

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rideflow/realtime-gateway/protocol"
)

const maxInboundBody = 1 << 20

type createSessionRequest struct {
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
	DeviceID string `json:"deviceId"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
	PollURL   string `json:"pollUrl"`
}

type errorResponse struct {
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Register mounts the polling routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /poll/session", h.handleCreateSession)
	mux.HandleFunc("GET /poll/{sessionId}", h.handlePoll)
	mux.HandleFunc("POST /poll/{sessionId}/message", h.handleSendMessage)
	mux.HandleFunc("DELETE /poll/{sessionId}", h.handleDeleteSession)
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxInboundBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: protocol.ErrCodeMalformed})
		return
	}
	if !protocol.ValidUserType(req.UserType) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid userType"})
		return
	}

	sessionID, err := h.CreateSession(r.Context(), req.UserID, protocol.UserType(req.UserType), req.DeviceID)
	if err != nil {
		log.Warn().Err(err).Msg("Polling session creation failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "session creation failed"})
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sessionID,
		PollURL:   "/poll/" + sessionID,
	})
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	var lastSeq int64
	if v := r.URL.Query().Get("lastSeq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid lastSeq"})
			return
		}
		lastSeq = parsed
	}

	result, err := h.Poll(r.Context(), sessionID, lastSeq)
	if err != nil {
		h.writePollError(w, err)
		return
	}
	if result.Messages == nil {
		result.Messages = []protocol.Message{}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: protocol.ErrCodeMalformed})
		return
	}

	if err := h.SendMessage(r.Context(), sessionID, raw); err != nil {
		h.writePollError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.DeleteSession(r.Context(), r.PathValue("sessionId")); err != nil {
		h.writePollError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writePollError(w http.ResponseWriter, err error) {
	var rateLimited *RateLimitedError
	switch {
	case errors.Is(err, ErrSessionExpired):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: protocol.ErrCodeSessionExpired})
	case errors.As(err, &rateLimited):
		ms := int64(rateLimited.RetryAfter / time.Millisecond)
		w.Header().Set("Retry-After", strconv.FormatInt((ms+999)/1000, 10))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:        protocol.ErrCodeRateLimited,
			RetryAfterMs: ms,
		})
	default:
		log.Warn().Err(err).Msg("Polling request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}
