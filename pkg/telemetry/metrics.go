// Package telemetry holds the OpenTelemetry instruments shared by the
// command layer, the event store, and the projection runtime.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the backend.
type Metrics struct {
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	EventsPushed     metric.Int64Counter
	PushLatency      metric.Float64Histogram
	ProjectionLag    metric.Float64Gauge
	ProjectionErrors metric.Int64Counter
}

// NewMetrics creates all metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"iam.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"iam.command.total",
		metric.WithDescription("Total commands executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"iam.command.errors",
		metric.WithDescription("Total command errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.EventsPushed, err = meter.Int64Counter(
		"iam.events.pushed",
		metric.WithDescription("Total events appended to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating events.pushed: %w", err)
	}

	m.PushLatency, err = meter.Float64Histogram(
		"iam.eventstore.push.latency",
		metric.WithDescription("Event store push latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.push.latency: %w", err)
	}

	m.ProjectionLag, err = meter.Float64Gauge(
		"iam.projection.lag",
		metric.WithDescription("Projection lag in commit positions behind the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.lag: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"iam.projection.errors",
		metric.WithDescription("Projection reducer errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	return m, nil
}

// RecordCommand records one command execution. Safe on a nil receiver so
// instrumentation stays optional.
func (m *Metrics) RecordCommand(ctx context.Context, name string, duration time.Duration, eventCount int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("command", name))
	m.CommandTotal.Add(ctx, 1, attrs)
	m.CommandDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.CommandErrors.Add(ctx, 1, attrs)
		return
	}
	if eventCount > 0 {
		m.EventsPushed.Add(ctx, int64(eventCount), attrs)
	}
}

// RecordProjection records the lag of one projection for one instance and
// counts reducer errors. Safe on a nil receiver.
func (m *Metrics) RecordProjection(ctx context.Context, name, instanceID string, lag int64, reducerErr error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("projection", name),
		attribute.String("instance_id", instanceID),
	)
	m.ProjectionLag.Record(ctx, float64(lag), attrs)
	if reducerErr != nil {
		m.ProjectionErrors.Add(ctx, 1, attrs)
	}
}
