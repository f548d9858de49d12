package perf

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StepTiming is one completed step.
type StepTiming struct {
	Step     string
	Duration time.Duration
	Failed   bool
}

// SessionMetrics collects step timings and counters for one process.
type SessionMetrics struct {
	mu    sync.Mutex
	steps []StepTiming

	registry         *prometheus.Registry
	stepDuration     *prometheus.HistogramVec
	stepFailures     *prometheus.CounterVec
	teardownWarnings *prometheus.CounterVec
	sessions         *prometheus.CounterVec
}

// NewSessionMetrics creates a metrics tracker with its own registry.
func NewSessionMetrics() *SessionMetrics {
	m := &SessionMetrics{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xchroot",
			Name:      "step_duration_seconds",
			Help:      "Duration of session setup and teardown steps.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
		}, []string{"step"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xchroot",
			Name:      "step_failures_total",
			Help:      "Session steps that returned an error.",
		}, []string{"step"}),
		teardownWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xchroot",
			Name:      "teardown_warnings_total",
			Help:      "Non-fatal problems encountered while tearing down.",
		}, []string{"kind"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xchroot",
			Name:      "sessions_total",
			Help:      "Sessions by outcome.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.stepDuration, m.stepFailures, m.teardownWarnings, m.sessions)
	return m
}

// Registry exposes the underlying registry.
func (m *SessionMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStep records a completed step.
func (m *SessionMetrics) ObserveStep(step string, d time.Duration, err error) {
	step = StepName(step)
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
	if err != nil {
		m.stepFailures.WithLabelValues(step).Inc()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, StepTiming{Step: step, Duration: d, Failed: err != nil})
}

// RecordWarning counts a teardown warning of the given kind.
func (m *SessionMetrics) RecordWarning(kind string) {
	m.teardownWarnings.WithLabelValues(StepName(kind)).Inc()
}

// RecordSession counts a finished session.
func (m *SessionMetrics) RecordSession(result string) {
	m.sessions.WithLabelValues(StepName(result)).Inc()
}

// Steps returns the completed steps in order.
func (m *SessionMetrics) Steps() []StepTiming {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StepTiming(nil), m.steps...)
}

// WriteTextfile writes every metric in the node-exporter textfile format.
func (m *SessionMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

// Summary returns a formatted summary of the step timings.
func (m *SessionMetrics) Summary() string {
	steps := m.Steps()

	var total time.Duration
	width := 0
	for _, s := range steps {
		total += s.Duration
		if len(s.Step) > width {
			width = len(s.Step)
		}
	}

	var b strings.Builder
	b.WriteString("=== Session Step Timings ===\n")
	for _, s := range steps {
		marker := ""
		if s.Failed {
			marker = " (failed)"
		}
		fmt.Fprintf(&b, "  %-*s %v%s\n", width, s.Step, s.Duration.Round(time.Millisecond), marker)
	}
	fmt.Fprintf(&b, "  %-*s %v\n", width, "total", total.Round(time.Millisecond))
	return b.String()
}

// contextKey is used to store metrics in context.
type contextKey struct{}

// WithMetrics adds metrics to context.
func WithMetrics(ctx context.Context, m *SessionMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics from context.
func MetricsFromContext(ctx context.Context) *SessionMetrics {
	m, _ := ctx.Value(contextKey{}).(*SessionMetrics)
	return m
}
