package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	Frames           *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	PipelineLatency  prometheus.Histogram
	EgressDrops      prometheus.Counter
	BridgeDeliveries *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions not yet in a terminal state.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		Frames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Inbound audio frames by pipeline outcome.",
		}, []string{"outcome"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and stage.",
		}, []string{"provider", "stage"}),
		PipelineLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_latency_ms",
			Help:      "End-to-end STT+MT+TTS latency per translated frame in milliseconds.",
			Buckets:   []float64{50, 100, 200, 400, 700, 1000, 1500, 2500, 4000},
		}),
		EgressDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "egress_drops_total",
			Help:      "Synthesized chunks dropped by egress queue overflow.",
		}),
		BridgeDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_deliveries_total",
			Help:      "External event bridge delivery attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// NewUnregisteredMetrics builds the same instrument set without touching
// the default registry. Callers that run without an exposition endpoint
// (library embedding, tests) still get panic-free instruments.
func NewUnregisteredMetrics() *Metrics {
	return &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{Name: "active_sessions"}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_events_total",
		}, []string{"event"}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_frames_total",
		}, []string{"outcome"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_errors_total",
		}, []string{"provider", "stage"}),
		PipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "pipeline_latency_ms",
		}),
		EgressDrops: prometheus.NewCounter(prometheus.CounterOpts{Name: "egress_drops_total"}),
		BridgeDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_deliveries_total",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObservePipelineLatency(d time.Duration) {
	m.PipelineLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
