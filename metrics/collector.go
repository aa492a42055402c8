package metrics

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rideflow/realtime-gateway/store"
)

// bucketRetention is how long per-second buckets and idle per-connection
// counters are kept before pruning.
const bucketRetention = 5 * time.Minute

// rateWindow is the span over which per-second rates are computed.
const rateWindow = 60

// ConnectionMetrics is the derived view for one connection.
type ConnectionMetrics struct {
	ConnectionID  string  `json:"connection_id"`
	MessagesSent  int64   `json:"messages_sent"`
	MessagesRecv  int64   `json:"messages_received"`
	BytesSent     int64   `json:"bytes_sent"`
	BytesRecv     int64   `json:"bytes_received"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P99LatencyMs  float64 `json:"p99_latency_ms"`
	LatencyCount  int     `json:"latency_samples"`
}

// ServerMetrics is the derived per-process view flushed for aggregation.
type ServerMetrics struct {
	ServerID          string  `json:"server_id"`
	Timestamp         int64   `json:"ts"`
	ActiveConnections int     `json:"active_connections"`
	TotalConnections  int64   `json:"total_connections"`
	Reconnections     int64   `json:"reconnections"`
	MessagesSent      int64   `json:"messages_sent"`
	MessagesRecv      int64   `json:"messages_received"`
	ErrorCount        int64   `json:"errors"`
	MessagesPerSecond float64 `json:"messages_per_second"`
	ErrorsPerSecond   float64 `json:"errors_per_second"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	P99LatencyMs      float64 `json:"p99_latency_ms"`
	BufferBytes       int64   `json:"buffer_bytes"`
}

type connStats struct {
	messagesSent int64
	messagesRecv int64
	bytesSent    int64
	bytesRecv    int64
	latencies    []float64
	lastSeen     time.Time
}

type secondBucket struct {
	messages   int64
	errors     int64
	reconnects int64
}

// Collector accumulates rolling in-memory counters and latency samples. All
// Record methods are O(1) amortized and safe for concurrent use; per-scope
// locks keep unrelated connections from contending.
type Collector struct {
	serverID string
	backend  store.Store
	window   int // max latency samples per scope

	connMu sync.Mutex
	conns  map[string]*connStats

	serverMu      sync.Mutex
	latencies     []float64
	buckets       map[int64]*secondBucket
	totalConns    int64
	reconnections int64
	messagesSent  int64
	messagesRecv  int64
	errorCount    int64
}

// NewCollector creates a collector flushing under the given server identity.
func NewCollector(serverID string, backend store.Store, latencyWindow int) *Collector {
	return &Collector{
		serverID: serverID,
		backend:  backend,
		window:   latencyWindow,
		conns:    make(map[string]*connStats),
		buckets:  make(map[int64]*secondBucket),
	}
}

func (c *Collector) conn(connectionID string) *connStats {
	cs, ok := c.conns[connectionID]
	if !ok {
		cs = &connStats{}
		c.conns[connectionID] = cs
	}
	cs.lastSeen = time.Now()
	return cs
}

func (c *Collector) bucket(now time.Time) *secondBucket {
	sec := now.Unix()
	b, ok := c.buckets[sec]
	if !ok {
		b = &secondBucket{}
		c.buckets[sec] = b
	}
	return b
}

// RecordConnection registers a new connection.
func (c *Collector) RecordConnection(connectionID string) {
	c.connMu.Lock()
	c.conn(connectionID)
	c.connMu.Unlock()

	c.serverMu.Lock()
	c.totalConns++
	c.serverMu.Unlock()

	ActiveConnections.Inc()
	TotalConnections.Inc()
}

// RecordDisconnection drops the connection's live gauge; its counters remain
// until pruned so late flushes still see them.
func (c *Collector) RecordDisconnection(connectionID string) {
	c.connMu.Lock()
	if cs, ok := c.conns[connectionID]; ok {
		cs.lastSeen = time.Now()
	}
	c.connMu.Unlock()
	ActiveConnections.Dec()
}

// RecordReconnection counts a session-resuming connection.
func (c *Collector) RecordReconnection() {
	c.serverMu.Lock()
	c.reconnections++
	c.bucket(time.Now()).reconnects++
	c.serverMu.Unlock()
	Reconnections.Inc()
}

// RecordMessageSent counts one outbound message of the given size.
func (c *Collector) RecordMessageSent(connectionID string, bytes int) {
	c.connMu.Lock()
	cs := c.conn(connectionID)
	cs.messagesSent++
	cs.bytesSent += int64(bytes)
	c.connMu.Unlock()

	c.serverMu.Lock()
	c.messagesSent++
	c.bucket(time.Now()).messages++
	c.serverMu.Unlock()
	MessagesSent.Inc()
}

// RecordMessageReceived counts one inbound message of the given size.
func (c *Collector) RecordMessageReceived(connectionID string, bytes int) {
	c.connMu.Lock()
	cs := c.conn(connectionID)
	cs.messagesRecv++
	cs.bytesRecv += int64(bytes)
	c.connMu.Unlock()

	c.serverMu.Lock()
	c.messagesRecv++
	c.bucket(time.Now()).messages++
	c.serverMu.Unlock()
	MessagesReceived.Inc()
}

// RecordLatency adds a round-trip latency sample in milliseconds.
func (c *Collector) RecordLatency(connectionID string, ms float64) {
	c.connMu.Lock()
	cs := c.conn(connectionID)
	cs.latencies = appendCapped(cs.latencies, ms, c.window)
	c.connMu.Unlock()

	c.serverMu.Lock()
	c.latencies = appendCapped(c.latencies, ms, c.window)
	c.serverMu.Unlock()
}

// RecordError counts an error of the given kind.
func (c *Collector) RecordError(kind string) {
	c.serverMu.Lock()
	c.errorCount++
	c.bucket(time.Now()).errors++
	c.serverMu.Unlock()
	Errors.WithLabelValues(kind).Inc()
}

// GetConnectionMetrics computes the derived view for one connection without
// mutating state.
func (c *Collector) GetConnectionMetrics(connectionID string) ConnectionMetrics {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	m := ConnectionMetrics{ConnectionID: connectionID}
	cs, ok := c.conns[connectionID]
	if !ok {
		return m
	}
	m.MessagesSent = cs.messagesSent
	m.MessagesRecv = cs.messagesRecv
	m.BytesSent = cs.bytesSent
	m.BytesRecv = cs.bytesRecv
	m.AvgLatencyMs, m.P99LatencyMs = summarize(cs.latencies)
	m.LatencyCount = len(cs.latencies)
	return m
}

// GetServerMetrics computes the per-process view: totals, latency summary,
// and per-second rates over the trailing minute.
func (c *Collector) GetServerMetrics(activeConnections int, bufferBytes int64) ServerMetrics {
	c.serverMu.Lock()
	defer c.serverMu.Unlock()

	m := ServerMetrics{
		ServerID:          c.serverID,
		Timestamp:         time.Now().UnixMilli(),
		ActiveConnections: activeConnections,
		TotalConnections:  c.totalConns,
		Reconnections:     c.reconnections,
		MessagesSent:      c.messagesSent,
		MessagesRecv:      c.messagesRecv,
		ErrorCount:        c.errorCount,
		BufferBytes:       bufferBytes,
	}
	m.AvgLatencyMs, m.P99LatencyMs = summarize(c.latencies)

	var messages, errors int64
	cutoff := time.Now().Unix() - rateWindow
	for sec, b := range c.buckets {
		if sec > cutoff {
			messages += b.messages
			errors += b.errors
		}
	}
	m.MessagesPerSecond = float64(messages) / rateWindow
	m.ErrorsPerSecond = float64(errors) / rateWindow
	return m
}

// Flush writes a snapshot to the shared store and publishes it for
// cross-process aggregation, then prunes stale buckets and idle connection
// counters.
func (c *Collector) Flush(ctx context.Context, activeConnections int, bufferBytes int64) {
	snapshot := c.GetServerMetrics(activeConnections, bufferBytes)
	data, err := json.Marshal(snapshot)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal metrics snapshot")
		return
	}

	if err := c.backend.Set(ctx, store.MetricsKey(c.serverID), data, bucketRetention); err != nil {
		log.Warn().Err(err).Msg("Failed to flush metrics snapshot to store")
	}
	if err := c.backend.Publish(ctx, store.MetricsChannel, data); err != nil {
		log.Warn().Err(err).Msg("Failed to publish metrics snapshot")
	}

	c.prune()
}

func (c *Collector) prune() {
	cutoff := time.Now().Add(-bucketRetention)

	c.serverMu.Lock()
	for sec := range c.buckets {
		if time.Unix(sec, 0).Before(cutoff) {
			delete(c.buckets, sec)
		}
	}
	c.serverMu.Unlock()

	c.connMu.Lock()
	for id, cs := range c.conns {
		if cs.lastSeen.Before(cutoff) {
			delete(c.conns, id)
		}
	}
	c.connMu.Unlock()
}

// Run flushes on the given interval until ctx is done. activeFn and bufferFn
// supply the point-in-time gauge values at flush time.
func (c *Collector) Run(ctx context.Context, interval time.Duration, activeFn func() int, bufferFn func() int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Flush(ctx, activeFn(), bufferFn())
		}
	}
}

// appendCapped appends keeping at most window samples, discarding the oldest.
func appendCapped(samples []float64, v float64, window int) []float64 {
	samples = append(samples, v)
	if len(samples) > window {
		samples = samples[len(samples)-window:]
	}
	return samples
}

// summarize returns (mean, p99) of the samples. p99 is the value at index
// floor(0.99*n) of the sorted samples, clamped to the last element.
func summarize(samples []float64) (avg, p99 float64) {
	n := len(samples)
	if n == 0 {
		return 0, 0
	}

	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	idx := int(float64(n) * 0.99)
	if idx >= n {
		idx = n - 1
	}
	return sum / float64(n), sorted[idx]
}
