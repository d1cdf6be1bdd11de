package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/sessiond"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session lifecycle metrics
	SessionsCreatedTotal metric.Int64Counter
	SessionsTouchedTotal metric.Int64Counter
	SessionsMissedTotal  metric.Int64Counter
	SessionsEndedTotal   metric.Int64Counter

	// Sweep metrics
	SweepRunsTotal    metric.Int64Counter
	SweepErrorsTotal  metric.Int64Counter
	SweepRemovedTotal metric.Int64Counter
	SweepDuration     metric.Float64Histogram
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = NewMetrics(otel.GetMeterProvider())
	})
	return metrics
}

// NewMetrics creates and registers all metric instruments on the given provider
func NewMetrics(provider metric.MeterProvider) *Metrics {
	meter := provider.Meter(meterName)

	m := &Metrics{}

	m.SessionsCreatedTotal, _ = meter.Int64Counter(
		"sessiond.sessions.created.total",
		metric.WithDescription("Total number of sessions created"),
		metric.WithUnit("{session}"),
	)

	m.SessionsTouchedTotal, _ = meter.Int64Counter(
		"sessiond.sessions.touched.total",
		metric.WithDescription("Total number of accesses to live sessions"),
		metric.WithUnit("{session}"),
	)

	m.SessionsMissedTotal, _ = meter.Int64Counter(
		"sessiond.sessions.missed.total",
		metric.WithDescription("Total number of accesses to absent or expired sessions"),
		metric.WithUnit("{session}"),
	)

	m.SessionsEndedTotal, _ = meter.Int64Counter(
		"sessiond.sessions.ended.total",
		metric.WithDescription("Total number of sessions ended explicitly"),
		metric.WithUnit("{session}"),
	)

	m.SweepRunsTotal, _ = meter.Int64Counter(
		"sessiond.sweep.runs.total",
		metric.WithDescription("Total number of expiry sweeps"),
		metric.WithUnit("{sweep}"),
	)

	m.SweepErrorsTotal, _ = meter.Int64Counter(
		"sessiond.sweep.errors.total",
		metric.WithDescription("Total number of failed expiry sweeps"),
		metric.WithUnit("{error}"),
	)

	m.SweepRemovedTotal, _ = meter.Int64Counter(
		"sessiond.sweep.removed.total",
		metric.WithDescription("Total number of expired sessions removed by sweeps"),
		metric.WithUnit("{session}"),
	)

	m.SweepDuration, _ = meter.Float64Histogram(
		"sessiond.sweep.duration",
		metric.WithDescription("Duration of expiry sweeps"),
		metric.WithUnit("ms"),
	)

	return m
}
