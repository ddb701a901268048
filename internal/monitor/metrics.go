package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/entities"
)

// Metrics are the Prometheus series kept for routed calls. A nil *Metrics
// records nothing.
type Metrics struct {
	Calls          *prometheus.CounterVec
	CallDuration   *prometheus.HistogramVec
	FailoverEvents *prometheus.CounterVec
	Tokens         *prometheus.CounterVec
	WriteErrors    prometheus.Counter
}

// NewMetrics registers the call metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fgo_model_calls_total",
				Help: "Total number of routed model calls",
			},
			[]string{"logical_model", "type", "status"},
		),
		CallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fgo_model_call_duration_seconds",
				Help:    "Routed model call duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"logical_model", "type"},
		),
		FailoverEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fgo_failover_events_total",
				Help: "Routing attempts per instance and outcome",
			},
			[]string{"instance", "status"},
		),
		Tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fgo_model_tokens_total",
				Help: "Tokens consumed by routed calls",
			},
			[]string{"logical_model", "kind"},
		),
		WriteErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "fgo_call_log_write_errors_total",
				Help: "Call-log writes that failed",
			},
		),
	}
}

func (m *Metrics) observe(rec entities.CallRecord) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(rec.LogicalModel, string(rec.Type), string(rec.Status)).Inc()
	m.CallDuration.WithLabelValues(rec.LogicalModel, string(rec.Type)).Observe(rec.Duration().Seconds())
	for _, ev := range rec.FailoverEvents {
		m.FailoverEvents.WithLabelValues(ev.InstanceName, string(ev.Status)).Inc()
	}
	if rec.PromptTokens > 0 {
		m.Tokens.WithLabelValues(rec.LogicalModel, "prompt").Add(float64(rec.PromptTokens))
	}
	if rec.CompletionTokens > 0 {
		m.Tokens.WithLabelValues(rec.LogicalModel, "completion").Add(float64(rec.CompletionTokens))
	}
}

func (m *Metrics) writeFailed() {
	if m == nil {
		return
	}
	m.WriteErrors.Inc()
}
