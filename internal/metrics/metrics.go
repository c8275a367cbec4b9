package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the market data gateway
var (
	// Message flow metrics
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_messages_received_total",
			Help: "Total number of frames received from exchange WebSockets",
		},
		[]string{"exchange", "connection_id"},
	)

	MessagesFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_messages_filtered_total",
			Help: "Total number of frames dropped by venue filters (heartbeats, acks, snapshots)",
		},
		[]string{"exchange", "connection_id"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_messages_dropped_total",
			Help: "Total number of frames dropped as malformed or unrecognized",
		},
		[]string{"exchange", "reason"},
	)

	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_messages_published_total",
			Help: "Total number of normalized records published to the bus",
		},
		[]string{"exchange", "market", "stream_type"},
	)

	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_connection_status",
			Help: "WebSocket connection status (1=connected, 0=disconnected)",
		},
		[]string{"exchange", "connection_id"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_reconnects_total",
			Help: "Total number of reconnection attempts",
		},
		[]string{"exchange", "connection_id"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"exchange", "error_type"},
	)

	// Subscription metrics
	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "md_subscriptions_active",
			Help: "Number of stream keys with live demand per market",
		},
		[]string{"exchange", "market"},
	)

	ControlCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_control_commands_total",
			Help: "Total number of control commands processed",
		},
		[]string{"venue", "action", "outcome"},
	)

	// Bus metrics
	RedisPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "md_redis_publish_duration_seconds",
			Help:    "Time to publish message to Redis",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"channel"},
	)

	RedisPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_redis_publish_errors_total",
			Help: "Total number of Redis publish errors",
		},
		[]string{"channel"},
	)

	PublishQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "md_publish_queue_depth",
			Help: "Current number of records waiting in the bounded publish queue",
		},
	)

	PublishQueueDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "md_publish_queue_drops_total",
			Help: "Total number of records dropped because the publish queue was full",
		},
	)

	// Archiver metrics
	ArchiveLinesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_archive_lines_written_total",
			Help: "Total number of JSON lines flushed to archive files",
		},
		[]string{"exchange", "stream_type"},
	)

	ArchiveWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "md_archive_write_errors_total",
			Help: "Total number of archive file write errors",
		},
		[]string{"exchange"},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordReceived counts an inbound frame
func RecordReceived(exchange, connectionID string) {
	MessagesReceived.WithLabelValues(exchange, connectionID).Inc()
}

// RecordFiltered counts a frame dropped by the venue filter
func RecordFiltered(exchange, connectionID string) {
	MessagesFiltered.WithLabelValues(exchange, connectionID).Inc()
}

// RecordDropped counts a malformed or unrecognized frame
func RecordDropped(exchange, reason string) {
	MessagesDropped.WithLabelValues(exchange, reason).Inc()
}

// RecordPublished counts a normalized record handed to the publisher
func RecordPublished(exchange, market, streamType string) {
	MessagesPublished.WithLabelValues(exchange, market, streamType).Inc()
}

// RecordConnectionStatus records connection status
func RecordConnectionStatus(exchange, connectionID string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(exchange, connectionID).Set(status)
}

// RecordReconnect records a reconnection attempt
func RecordReconnect(exchange, connectionID string) {
	ConnectionReconnects.WithLabelValues(exchange, connectionID).Inc()
}

// RecordConnectionError records a connection error
func RecordConnectionError(exchange, errorType string) {
	ConnectionErrors.WithLabelValues(exchange, errorType).Inc()
}

// RecordActiveSubscriptions records the current active stream-key count
func RecordActiveSubscriptions(exchange, market string, count int) {
	SubscriptionsActive.WithLabelValues(exchange, market).Set(float64(count))
}

// RecordControlCommand records a processed control command and its outcome
func RecordControlCommand(venue, action, outcome string) {
	ControlCommands.WithLabelValues(venue, action, outcome).Inc()
}

// RecordPublishError records a Redis publish error
func RecordPublishError(channel string) {
	RedisPublishErrors.WithLabelValues(channel).Inc()
}

// RecordQueueDrop records a record dropped by the bounded publish queue
func RecordQueueDrop() {
	PublishQueueDrops.Inc()
}

// RecordArchiveWrite records lines flushed to an archive file
func RecordArchiveWrite(exchange, streamType string, lines int) {
	ArchiveLinesWritten.WithLabelValues(exchange, streamType).Add(float64(lines))
}

// RecordArchiveError records an archive write error
func RecordArchiveError(exchange string) {
	ArchiveWriteErrors.WithLabelValues(exchange).Inc()
}

// Server starts the Prometheus metrics HTTP server
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully
func (s *Server) Stop() error {
	return s.server.Close()
}
