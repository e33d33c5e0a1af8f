package emitter

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/liftsync/pkg/resource"
)

// MetricsEmitter records OTEL metrics for every upsert passed to the
// wrapped emitter.
type MetricsEmitter struct {
	next Emitter

	upserts   metric.Int64Counter
	entities  metric.Int64Counter
	failures  metric.Int64Counter
	lastBatch metric.Int64ObservableGauge

	// State for observable gauge
	mu      sync.RWMutex
	batches map[resource.Kind]int64
}

// NewMetricsEmitter wraps next.
func NewMetricsEmitter(next Emitter) (*MetricsEmitter, error) {
	e := &MetricsEmitter{
		next:    next,
		batches: make(map[resource.Kind]int64),
	}
	if err := e.initMetrics(otel.Meter("liftsync.emitter")); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return e, nil
}

func (e *MetricsEmitter) initMetrics(meter metric.Meter) error {
	var err error

	e.upserts, err = meter.Int64Counter(
		"liftsync.catalog.upserts",
		metric.WithDescription("Number of catalog upsert calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	e.entities, err = meter.Int64Counter(
		"liftsync.catalog.entities",
		metric.WithDescription("Number of entities delivered to the catalog"),
		metric.WithUnit("{entity}"),
	)
	if err != nil {
		return err
	}

	e.failures, err = meter.Int64Counter(
		"liftsync.catalog.upsert.failures",
		metric.WithDescription("Number of failed catalog upserts"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	e.lastBatch, err = meter.Int64ObservableGauge(
		"liftsync.catalog.last_batch.size",
		metric.WithDescription("Entities in the most recent upsert per kind"),
		metric.WithUnit("{entity}"),
		metric.WithInt64Callback(e.observeBatches),
	)
	return err
}

func (e *MetricsEmitter) observeBatches(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for kind, n := range e.batches {
		o.Observe(n, metric.WithAttributes(attribute.String("kind", string(kind))))
	}
	return nil
}

func (e *MetricsEmitter) Upsert(ctx context.Context, kind resource.Kind, entities []resource.Entity) error {
	attrs := metric.WithAttributes(attribute.String("kind", string(kind)))
	e.upserts.Add(ctx, 1, attrs)

	if err := e.next.Upsert(ctx, kind, entities); err != nil {
		e.failures.Add(ctx, 1, attrs)
		return err
	}

	e.entities.Add(ctx, int64(len(entities)), attrs)
	e.mu.Lock()
	e.batches[kind] = int64(len(entities))
	e.mu.Unlock()
	return nil
}

func (e *MetricsEmitter) Close() error {
	return e.next.Close()
}
