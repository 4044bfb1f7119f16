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
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	MemoriesExtracted *prometheus.CounterVec
	MemorySearches    prometheus.Histogram
	TurnStages        *prometheus.HistogramVec

	window *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active conversation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "External service errors by provider and code.",
		}, []string{"provider", "code"}),
		MemoriesExtracted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_extracted_total",
			Help:      "Extracted memory records by type.",
		}, []string{"type"}),
		MemorySearches: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_search_results",
			Help:      "Number of memories returned per semantic search.",
			Buckets:   []float64{0, 1, 2, 5, 10, 15},
		}),
		TurnStages: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn stage latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 12000},
		}, []string{"stage"}),
		window: newTurnStageWindow(256),
	}
}

// ObserveTurnStage records one stage latency both in Prometheus and in the
// rolling window backing the latency snapshot endpoint.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.TurnStages.WithLabelValues(stage).Observe(ms)
	m.window.Observe(stage, ms)
}

// ObserveIndicator bumps a named low-cardinality event counter in the window.
func (m *Metrics) ObserveIndicator(name string) {
	m.window.ObserveIndicator(name)
}

// LatencySnapshot reports rolling percentiles per turn stage.
func (m *Metrics) LatencySnapshot() TurnStageSnapshot {
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
