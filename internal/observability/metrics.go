package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

var (
	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parley_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// WebSocketRoomConnections is the gauge of connections per room.
	WebSocketRoomConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parley_websocket_room_connections",
		Help: "Number of WebSocket connections per room",
	}, []string{"room_id"})

	// MessageThroughput counts messages processed per room and type.
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_message_throughput_total",
		Help: "Total number of messages processed",
	}, []string{"room_id", "message_type"})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// SearchQueueDepth is the gauge of users waiting in each search pool,
	// sampled on every matcher tick that holds the lease.
	SearchQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parley_search_queue_depth",
		Help: "Users currently waiting in a search pool",
	}, []string{"pool"})

	// MatchesCommitted counts committed pairings by pool and match kind.
	MatchesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_matches_committed_total",
		Help: "Total committed pairings by pool and kind (interest or random)",
	}, []string{"pool", "kind"})

	// SSEConnections is the gauge of open SSE streams.
	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_sse_connections",
		Help: "Number of currently open SSE streams",
	})

	// NotificationsTotal counts notifications by delivery outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_notifications_total",
		Help: "Total notifications created, labeled by whether the user was online",
	}, []string{"delivered"})

	// PointsAwarded counts engagement points granted by room type.
	PointsAwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_points_awarded_total",
		Help: "Total engagement points awarded by room type",
	}, []string{"room_type"})

	// SchedulerRuns counts scheduler ticks by job and outcome. Skipped ticks
	// (lease held elsewhere) are the normal case in a multi-worker deployment.
	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_scheduler_runs_total",
		Help: "Scheduler ticks by job and outcome (ran, skipped, error)",
	}, []string{"job", "outcome"})

	// RoomSweepTransitions counts room-state sweep effects.
	RoomSweepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_room_sweep_transitions_total",
		Help: "Room occupant demotions and room deletions performed by the sweep",
	}, []string{"action"})
)

// DatabaseMetrics wraps DB access for recording query latency.
type DatabaseMetrics struct {
	db *gorm.DB
}

// NewDatabaseMetrics returns a new DatabaseMetrics instance.
func NewDatabaseMetrics(db *gorm.DB) *DatabaseMetrics {
	return &DatabaseMetrics{db: db}
}

// ObserveQuery records the latency of a database query.
func (m *DatabaseMetrics) ObserveQuery(operation, table string, start time.Time) {
	latency := time.Since(start).Seconds()
	DatabaseQueryLatency.WithLabelValues(operation, table).Observe(latency)
}

// TrackQuery returns a function that records query latency when called (e.g. defer).
func (m *DatabaseMetrics) TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		m.ObserveQuery(operation, table, start)
	}
}
