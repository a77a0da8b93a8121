// Package metrics declares every Prometheus metric chatsignal exposes.
//
// Naming convention: namespace_subsystem_name.
//   - namespace: chatsignal (application-level grouping)
//   - subsystem: session, room, bus, rate_limit (feature-level grouping)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatsignal",
		Subsystem: "session",
		Name:      "connections_active",
		Help:      "Current number of live client sessions.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatsignal",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms, including the immortal default room.",
	})

	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatsignal",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of members currently in each room.",
	}, []string{"room_name"})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsignal",
		Subsystem: "room",
		Name:      "messages_total",
		Help:      "Total chat messages broadcast, by room.",
	}, []string{"room_name"})

	DroppedFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsignal",
		Subsystem: "session",
		Name:      "dropped_frames_total",
		Help:      "Total frames dropped because a session's outbound queue was full.",
	}, []string{"reason"})

	HandshakeRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsignal",
		Subsystem: "session",
		Name:      "handshake_rejected_total",
		Help:      "Total connect handshakes rejected, by reason.",
	}, []string{"reason"})

	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsignal",
		Subsystem: "bus",
		Name:      "redis_operations_total",
		Help:      "Total Redis pub/sub operations attempted, by operation and outcome.",
	}, []string{"operation", "status"})

	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatsignal",
		Subsystem: "bus",
		Name:      "redis_operation_duration_seconds",
		Help:      "Duration of Redis pub/sub operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chatsignal",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Redis bus circuit breaker state (0=closed, 1=open, 2=half-open).",
	}, []string{"service"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsignal",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total Redis bus operations rejected by an open circuit breaker.",
	}, []string{"service"})

	RateLimitExceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsignal",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests that exceeded a rate limit, by endpoint and key kind.",
	}, []string{"endpoint", "key_kind"})

	RateLimitRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsignal",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total requests checked against a rate limiter, by endpoint.",
	}, []string{"endpoint"})
)
