package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gdnp"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "messages_total",
			Help:      "Envelopes sent and received by kind.",
		},
		[]string{"node", "direction", "kind"},
	)
	violations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "protocol_violations_total",
			Help:      "Messages rejected by the dispatcher or a session state machine.",
		},
		[]string{"node", "reason"},
	)
	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Negotiation sessions ended by outcome.",
		},
		[]string{"node", "outcome"},
	)
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Negotiation session lifetime in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20, 30, 60},
		},
		[]string{"node", "outcome"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently held by the dispatcher.",
		},
		[]string{"node"},
	)
	discoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "responses_total",
			Help:      "Discovery requests answered or dropped.",
		},
		[]string{"node", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			messages, violations,
			sessions, sessionDuration, activeSessions,
			discoveries,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordMessage counts one envelope; direction is "in" or "out".
func RecordMessage(node, direction, kind string) {
	RegisterMetrics()
	messages.WithLabelValues(node, direction, kind).Inc()
}

func RecordViolation(node, reason string) {
	RegisterMetrics()
	violations.WithLabelValues(node, reason).Inc()
}

func RecordSessionEnd(node, outcome string, lifetime time.Duration) {
	RegisterMetrics()
	sessions.WithLabelValues(node, outcome).Inc()
	sessionDuration.WithLabelValues(node, outcome).Observe(lifetime.Seconds())
}

func SetActiveSessions(node string, n int) {
	RegisterMetrics()
	activeSessions.WithLabelValues(node).Set(float64(n))
}

func RecordDiscovery(node, result string) {
	RegisterMetrics()
	discoveries.WithLabelValues(node, result).Inc()
}
