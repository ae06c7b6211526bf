package agentloop

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report agent activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	modelCalls       *prometheus.CounterVec
	modelDuration    *prometheus.HistogramVec
	modelRetries     *prometheus.CounterVec
	tokens           *prometheus.CounterVec
	toolResults      *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	sessionsFinished *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
}

// MustNewMetrics constructs collectors on reg. Collectors already registered
// by an earlier call are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		modelCalls: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapir",
			Subsystem: "model",
			Name:      "calls_total",
			Help:      "Model calls by provider and outcome.",
		}, []string{"provider", "outcome"})),
		modelDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tapir",
			Subsystem: "model",
			Name:      "call_duration_seconds",
			Help:      "Wall-clock duration of model calls including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"})),
		modelRetries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapir",
			Subsystem: "model",
			Name:      "retries_total",
			Help:      "Transient model call failures that were retried.",
		}, []string{"provider"})),
		tokens: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapir",
			Subsystem: "model",
			Name:      "tokens_total",
			Help:      "Tokens consumed by direction.",
		}, []string{"direction"})),
		toolResults: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapir",
			Subsystem: "tool",
			Name:      "results_total",
			Help:      "Tool results by tool and status.",
		}, []string{"tool", "status"})),
		toolDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tapir",
			Subsystem: "tool",
			Name:      "duration_seconds",
			Help:      "Duration of tool executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"})),
		sessionsFinished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tapir",
			Subsystem: "session",
			Name:      "finished_total",
			Help:      "Sessions that reached a terminal status.",
		}, []string{"status"})),
		sessionsActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tapir",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently registered with a manager.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveModelCall records one model call, retries included.
func (m *Metrics) ObserveModelCall(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(provider, outcome).Inc()
	m.modelDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// IncModelRetry counts a retried model call attempt.
func (m *Metrics) IncModelRetry(provider string) {
	if m == nil {
		return
	}
	m.modelRetries.WithLabelValues(provider).Inc()
}

// AddTokens records consumed input and output tokens.
func (m *Metrics) AddTokens(input, output int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues("input").Add(float64(input))
	m.tokens.WithLabelValues("output").Add(float64(output))
}

// ObserveToolResult records a tool result and how long it took.
func (m *Metrics) ObserveToolResult(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolResults.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// IncSessionFinished counts a session reaching status.
func (m *Metrics) IncSessionFinished(status Status) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(string(status)).Inc()
}

// SessionStarted and SessionEnded track sessions held by a manager.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}
