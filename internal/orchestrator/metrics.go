package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics holds operation metrics following OTEL conventions
type SyncMetrics struct {
	operations        metric.Int64Counter
	operationDuration metric.Float64Histogram
	pages             metric.Int64Counter
	records           metric.Int64Counter
	entities          metric.Int64Counter
	webhookEvents     metric.Int64Counter
}

// NewSyncMetrics creates sync metrics on the global meter provider.
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter("liftsync.orchestrator")

	operations, err := meter.Int64Counter(
		"liftsync.sync.operations",
		metric.WithDescription("Number of sync operations by final state"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	operationDuration, err := meter.Float64Histogram(
		"liftsync.sync.operation.duration",
		metric.WithDescription("Duration of sync operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pages, err := meter.Int64Counter(
		"liftsync.sync.pages",
		metric.WithDescription("Number of pages fetched"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, err
	}

	records, err := meter.Int64Counter(
		"liftsync.sync.records",
		metric.WithDescription("Number of raw records fetched"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	entities, err := meter.Int64Counter(
		"liftsync.sync.entities",
		metric.WithDescription("Number of entities delivered to the catalog"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return nil, err
	}

	webhookEvents, err := meter.Int64Counter(
		"liftsync.webhook.events",
		metric.WithDescription("Number of webhook events by type and outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		operations:        operations,
		operationDuration: operationDuration,
		pages:             pages,
		records:           records,
		entities:          entities,
		webhookEvents:     webhookEvents,
	}, nil
}

// RecordOperation records a finished operation.
func (m *SyncMetrics) RecordOperation(ctx context.Context, res *Result) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", res.Operation),
		attribute.String("kind", string(res.Kind)),
		attribute.String("state", string(res.State)),
	)
	m.operations.Add(ctx, 1, attrs)
	m.operationDuration.Record(ctx, res.Duration.Seconds(), attrs)

	kindAttr := metric.WithAttributes(attribute.String("kind", string(res.Kind)))
	m.pages.Add(ctx, int64(res.Pages), kindAttr)
	m.records.Add(ctx, int64(res.Records), kindAttr)
	m.entities.Add(ctx, int64(res.Entities), kindAttr)

	if res.Operation == OpWebhookDispatch {
		m.webhookEvents.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", res.EventType),
			attribute.String("outcome", string(res.State)),
		))
	}
}
