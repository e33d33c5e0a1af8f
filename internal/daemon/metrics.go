package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds scheduler metrics using OTEL semantic conventions
type DaemonMetrics struct {
	passes        metric.Int64Counter
	passDuration  metric.Float64Histogram
	lastPassEpoch metric.Int64Gauge
}

// NewDaemonMetrics creates daemon metrics on the global meter provider.
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return newDaemonMetricsWithProvider(otel.GetMeterProvider())
}

func newDaemonMetricsWithProvider(provider metric.MeterProvider) (*DaemonMetrics, error) {
	meter := provider.Meter("liftsync.daemon")

	passes, err := meter.Int64Counter(
		"liftsync.daemon.passes",
		metric.WithDescription("Number of resync passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	passDuration, err := meter.Float64Histogram(
		"liftsync.daemon.pass.duration",
		metric.WithDescription("Duration of resync passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastPassEpoch, err := meter.Int64Gauge(
		"liftsync.daemon.last_pass",
		metric.WithDescription("Unix time the last resync pass finished"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		passes:        passes,
		passDuration:  passDuration,
		lastPassEpoch: lastPassEpoch,
	}, nil
}

// RecordPass records a finished pass with status success, partial or failed.
func (m *DaemonMetrics) RecordPass(ctx context.Context, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.passes.Add(ctx, 1, attrs)
	m.passDuration.Record(ctx, durationSeconds, attrs)
	m.lastPassEpoch.Record(ctx, time.Now().Unix())
}
