// Package perf measures the steps of a session: log lines with durations,
// prometheus metrics that can be dumped to a node-exporter textfile, and
// OpenTelemetry spans for embedders that install a tracer provider.
package perf

import (
	"context"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/superfly/xchroot"

// Timer tracks operation timing for performance analysis.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Debug("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// StepName normalises a human step name ("attach loop", "MountRoot") to
// the snake_case form used for metric labels and span names.
func StepName(name string) string {
	return strcase.ToSnake(name)
}

// Step starts a span and a timer for one session step. The returned
// function must be called with the step's outcome; it ends the span and
// records the duration on the metrics carried by ctx, if any.
func Step(ctx context.Context, name string, logger logrus.FieldLogger) (context.Context, func(error)) {
	step := StepName(name)
	ctx, span := otel.Tracer(tracerName).Start(ctx, step, trace.WithSpanKind(trace.SpanKindInternal))
	timer := Start(step, logger)

	return ctx, func(err error) {
		duration := timer.StopWithThreshold(30 * time.Second)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if m := MetricsFromContext(ctx); m != nil {
			m.ObserveStep(step, duration, err)
		}
	}
}
