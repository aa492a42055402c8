package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "The current number of active client connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_total",
		Help: "The total number of client connections accepted.",
	})
	Reconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_reconnections_total",
		Help: "The total number of connections that resumed a prior session.",
	})
	ConnectionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_evicted_total",
		Help: "Connections closed because the per-user cap was exceeded.",
	})

	// Message metrics
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_sent_total",
		Help: "The total number of messages sent to clients.",
	})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_received_total",
		Help: "The total number of messages received from clients.",
	})
	MessagesBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_buffered_total",
		Help: "Messages admitted into offline buffers.",
	})
	MessagesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_buffered_messages_expired_total",
		Help: "Buffered messages removed by TTL expiry.",
	})
	BufferRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_buffer_rejections_total",
		Help: "Buffer admissions rejected at capacity.",
	})

	// Error metrics
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Errors by kind (transport, authorization, capacity, liveness, store, broker, buffer).",
	}, []string{"kind"})

	// Broker metrics
	BrokerMessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_broker_messages_published_total",
		Help: "The total number of messages published to the message broker.",
	}, []string{"broker_type"})

	// Polling metrics
	PollRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_poll_requests_total",
		Help: "Long-poll requests by outcome (delivered, empty, rate_limited, expired).",
	}, []string{"outcome"})
)

// StartServer starts the HTTP server exposing Prometheus metrics.
func StartServer(port int, path string) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Info().Str("addr", addr).Str("path", path).Msg("Starting metrics server")

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
	}()
}
