package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	QueriesExecuted  *prometheus.CounterVec
	Clarifications   prometheus.Counter
	RedactedFields   prometheus.Counter
	TurnsCommitted   prometheus.Counter
	BackendSwitches  *prometheus.CounterVec
	ExecutionLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active conversational sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		QueriesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_executed_total",
			Help:      "Graph queries executed by outcome.",
		}, []string{"outcome"}),
		Clarifications: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clarification_questions_total",
			Help:      "Clarifying questions asked before execution.",
		}),
		RedactedFields: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redacted_fields_total",
			Help:      "Sensitive fields masked in presented results.",
		}),
		TurnsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_committed_total",
			Help:      "Conversation turns persisted to the memory store.",
		}),
		BackendSwitches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_backend_switches_total",
			Help:      "Live memory backend switches by target and outcome.",
		}, []string{"target", "outcome"}),
		ExecutionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_execution_latency_ms",
			Help:      "End-to-end query execution latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 500, 1000, 2000, 5000, 10000},
		}),
	}
}

func (m *Metrics) ObserveExecutionLatency(d time.Duration) {
	m.ExecutionLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
