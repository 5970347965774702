package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the room coordination core.
//
// Naming convention: namespace_subsystem_name
// - namespace: roomsync (application-level grouping)
// - subsystem: websocket, room, playback, vote, redis, circuit_breaker,
//   rate_limit (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of members in each room
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomsync",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// PlaybackSyncBroadcasts tracks the total number of playback:sync ticks broadcast
	PlaybackSyncBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "playback",
		Name:      "sync_broadcasts_total",
		Help:      "Total playback:sync ticks broadcast",
	}, []string{"room_id"})

	// PlaybackStateTransitions tracks playback state machine transitions (start/pause/stop)
	PlaybackStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "playback",
		Name:      "transitions_total",
		Help:      "Total playback state transitions",
	}, []string{"transition"})

	// MaxRoomRTT tracks the current max-room-RTT feeding the sync buffer computation
	MaxRoomRTT = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "clocksync",
		Name:      "max_room_rtt_ms",
		Help:      "Current max connection RTT observed in each room, in milliseconds",
	}, []string{"room_id"})

	// VoteSessionsStarted tracks elections/mutinies started
	VoteSessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "vote",
		Name:      "sessions_started_total",
		Help:      "Total vote sessions started",
	}, []string{"kind"})

	// VoteSessionsCompleted tracks election/mutiny outcomes
	VoteSessionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "vote",
		Name:      "sessions_completed_total",
		Help:      "Total vote sessions completed, by outcome",
	}, []string{"kind", "outcome"})

	// DJChanges tracks how often the DJ seat changes hands, and why
	DJChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "vote",
		Name:      "dj_changes_total",
		Help:      "Total DJ seat changes",
	}, []string{"reason"})

	// CircuitBreakerState tracks the current state of the circuit breaker
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomsync",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// RepoOperationDuration tracks the duration of SQLite repository calls
	RepoOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomsync",
		Subsystem: "repo",
		Name:      "operation_duration_seconds",
		Help:      "Duration of repository operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
