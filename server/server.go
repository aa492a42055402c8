// Package server owns the HTTP listener that fronts both the websocket
// upgrade endpoint and the long-poll fallback routes.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rideflow/realtime-gateway/config"
	"github.com/rideflow/realtime-gateway/polling"
)

type Server struct {
	httpServer *http.Server
}

// New wires the websocket handler and polling routes into a single listener.
func New(cfg *config.ServerConfig, wsHandler http.HandlerFunc, poll *polling.Handler) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", wsHandler)
	mux.HandleFunc("GET /healthz", handleHealth)
	poll.Register(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:    ":" + strconv.Itoa(cfg.Port),
			Handler: mux,
			// No global read/write timeouts: websocket upgrades and long-poll
			// holds outlive any sane request deadline. Slow-client protection
			// lives in the gateway's per-connection write deadlines.
			ReadHeaderTimeout: time.Duration(cfg.ReadTimeout) * time.Second,
		},
	}
}

// Start blocks serving requests until the listener closes.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting new requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
