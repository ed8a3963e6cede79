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
	Utterances       *prometheus.CounterVec
	TriggerSignals   *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	ResponsesQueued  *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	QueueDrops       *prometheus.CounterVec
	CapabilityErrors *prometheus.CounterVec
	Summaries        prometheus.Counter
	SummarizeLatency prometheus.Histogram
	DeliveryWait     prometheus.Histogram

	// Pipeline is the recent-window latency view, served alongside the
	// cumulative Prometheus instruments.
	Pipeline *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Pipeline: NewStageWindow(256),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active moderated sessions.",
		}),
		Utterances: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Ingested utterances by origin.",
		}, []string{"origin"}),
		TriggerSignals: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_signals_total",
			Help:      "Trigger signals emitted by kind.",
		}, []string{"kind"}),
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Decision pipeline outcomes by path.",
		}, []string{"path"}),
		ResponsesQueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_queued_total",
			Help:      "Candidate responses enqueued by priority.",
		}, []string{"priority"}),
		Deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivered responses by priority.",
		}, []string{"priority"}),
		QueueDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drops_total",
			Help:      "Candidate responses dropped by reason.",
		}, []string{"reason"}),
		CapabilityErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_errors_total",
			Help:      "External capability failures by capability.",
		}, []string{"capability"}),
		Summaries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Completed summarization cycles.",
		}),
		SummarizeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summarize_latency_ms",
			Help:      "Summarization capability latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 20000},
		}),
		DeliveryWait: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_wait_seconds",
			Help:      "Queue wait from enqueue to delivery in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 90, 120},
		}),
	}
}

func (m *Metrics) ObserveSummarizeLatency(d time.Duration) {
	m.SummarizeLatency.Observe(float64(d.Milliseconds()))
	m.Pipeline.Observe(StageSummarize, d)
}

func (m *Metrics) ObserveDeliveryWait(d time.Duration) {
	m.DeliveryWait.Observe(d.Seconds())
	m.Pipeline.Observe(StageEnqueueToDelivery, d)
}

func (m *Metrics) ObserveDecisionLatency(d time.Duration) {
	m.Pipeline.Observe(StageTriggerToDecision, d)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
