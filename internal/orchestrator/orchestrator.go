// Package orchestrator drives resyncs and webhook dispatches: it fetches
// pages, hands them to the mapper and delivers entities to the catalog.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/liftsync/internal/filter"
	"github.com/yairfalse/liftsync/internal/graphql"
	"github.com/yairfalse/liftsync/internal/mapping"
	"github.com/yairfalse/liftsync/internal/telemetry"
	"github.com/yairfalse/liftsync/pkg/resource"
)

// Orchestrator runs sync operations. Each call is one independent
// operation; concurrent calls share only the fetcher's executor.
type Orchestrator struct {
	fetcher  Fetcher
	mapper   Mapper
	catalog  Catalog
	filter   *filter.Filter
	defaults resource.Filter
	logger   *telemetry.Logger
	metrics  *SyncMetrics
	tracer   trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFilter sets the kind and record filter.
func WithFilter(f *filter.Filter) Option {
	return func(o *Orchestrator) {
		if f != nil {
			o.filter = f
		}
	}
}

// WithDeploymentDefaults sets the filter used for scheduled deployment
// resyncs when the caller passes none.
func WithDeploymentDefaults(f resource.Filter) Option {
	return func(o *Orchestrator) { o.defaults = f }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an Orchestrator.
func New(fetcher Fetcher, mapper Mapper, catalog Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		fetcher: fetcher,
		mapper:  mapper,
		catalog: catalog,
		filter:  filter.New(nil, nil, nil),
		logger:  telemetry.NopLogger(),
		tracer:  otel.Tracer("liftsync.orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}

	metrics, err := NewSyncMetrics()
	if err != nil {
		otel.Handle(err)
	}
	o.metrics = metrics

	return o
}

// Resync dispatches to ScheduledResync for known kinds and GenericResync
// for everything else.
func (o *Orchestrator) Resync(ctx context.Context, kind resource.Kind, f resource.Filter) (*Result, error) {
	if kind.IsGeneric() {
		return o.GenericResync(ctx, kind)
	}
	return o.ScheduledResync(ctx, kind, f)
}

// ScheduledResync fetches every record of a known kind and delivers each
// page as soon as it is mapped. A missing specifier fails the operation.
func (o *Orchestrator) ScheduledResync(ctx context.Context, kind resource.Kind, f resource.Filter) (*Result, error) {
	op := o.begin(ctx, OpScheduledResync, kind)
	defer op.end()

	if !o.filter.ShouldSyncKind(kind) {
		op.transition(StateAborted)
		op.log().Info().Msg("kind excluded by configuration")
		return op.res, nil
	}

	spec, ok := o.mapper.Lookup(kind)
	if !ok {
		return op.res, op.fail(fmt.Errorf("%s: %w", kind, ErrMappingUnavailable))
	}

	if kind == resource.KindDeployment && f.IsEmpty() {
		f = o.defaults
	}

	return op.res, o.stream(op, spec, f)
}

// GenericResync resyncs an arbitrary kind. It checks for a specifier before
// fetching and aborts without error propagation to the process when none
// exists.
func (o *Orchestrator) GenericResync(ctx context.Context, kind resource.Kind) (*Result, error) {
	op := o.begin(ctx, OpGenericResync, kind)
	defer op.end()

	if !o.filter.ShouldSyncKind(kind) {
		op.transition(StateAborted)
		op.log().Info().Msg("kind excluded by configuration")
		return op.res, nil
	}

	spec, ok := o.mapper.Lookup(kind)
	if !ok {
		return op.res, op.abort(fmt.Errorf("%s: %w", kind, ErrMappingUnavailable))
	}

	return op.res, o.stream(op, spec, resource.Filter{})
}

// stream walks the pager, mapping and delivering one page at a time.
func (o *Orchestrator) stream(op *operation, spec *mapping.Specifier, f resource.Filter) error {
	pager := o.fetcher.Fetch(op.res.Kind, f)
	op.transition(StateFetching)

	for pager.Next(op.ctx) {
		page := pager.Page()
		op.res.Pages++
		op.res.Records += len(page.Records)

		entities, err := o.mapper.MapToEntities(op.ctx, o.filter.FilterRecords(page.Records), spec)
		if err != nil {
			pager.Close()
			return op.fail(fmt.Errorf("map %s page %d: %w", op.res.Kind, op.res.Pages, err))
		}
		op.transition(StateMapped)

		if len(entities) > 0 {
			if err := o.catalog.Upsert(op.ctx, op.res.Kind, entities); err != nil {
				pager.Close()
				return op.fail(fmt.Errorf("upsert %s page %d: %w", op.res.Kind, op.res.Pages, err))
			}
			op.res.Upserts++
			op.res.Entities += len(entities)
		}
		op.transition(StateDelivered)

		op.log().Debug().
			Int("page", op.res.Pages).
			Int("records", len(page.Records)).
			Int("entities", len(entities)).
			Bool("has_more", page.HasMore).
			Msg("page delivered")
	}

	if err := pager.Err(); err != nil {
		return op.fail(fmt.Errorf("fetch %s: %w", op.res.Kind, err))
	}

	op.transition(StateCompleted)
	return nil
}

// WebhookDispatch classifies event, resolves the affected records and
// delivers them in one upsert. Unknown event types are dropped.
func (o *Orchestrator) WebhookDispatch(ctx context.Context, event resource.WebhookEvent) (*Result, error) {
	op := o.begin(ctx, OpWebhookDispatch, "")
	defer op.end()
	op.res.EventType = event.EventType
	op.res.ResourceID = event.ResourceID
	op.transition(StateReceived)

	kind, ok := ClassifyEvent(event.EventType)
	if !ok {
		op.transition(StateDropped)
		op.log().Warn().Msg("unsupported webhook event, dropping")
		return op.res, nil
	}
	op.res.Kind = kind
	op.transition(StateClassified)

	if !o.filter.ShouldSyncKind(kind) {
		op.transition(StateDropped)
		op.log().Info().Msg("kind excluded by configuration, dropping event")
		return op.res, nil
	}

	spec, ok := o.mapper.Lookup(kind)
	if !ok {
		return op.res, op.abort(fmt.Errorf("%s: %w", kind, ErrMappingUnavailable))
	}

	var f resource.Filter
	if kind == resource.KindDeployment {
		if event.ResourceID == "" {
			op.transition(StateDropped)
			op.log().Warn().Msg("deployment event without resource id, dropping")
			return op.res, nil
		}
		f = resource.IDFilter(event.ResourceID)
	} else {
		// no id-scoped query exists for these kinds
		op.log().Info().Msg("resolving webhook with a full kind fetch")
	}

	records, pages, err := graphql.Collect(op.ctx, o.fetcher.Fetch(kind, f))
	op.res.Pages = pages
	op.res.Records = len(records)
	if err != nil {
		return op.res, op.fail(fmt.Errorf("resolve %s %q: %w", kind, event.ResourceID, err))
	}
	op.transition(StateResolved)

	entities, err := o.mapper.MapToEntities(op.ctx, o.filter.FilterRecords(records), spec)
	if err != nil {
		return op.res, op.fail(fmt.Errorf("map %s: %w", kind, err))
	}
	op.transition(StateMapped)

	if len(entities) == 0 {
		op.log().Info().Msg("webhook resolved no entities, nothing to deliver")
		op.transition(StateCompleted)
		return op.res, nil
	}

	if err := o.catalog.Upsert(op.ctx, kind, entities); err != nil {
		return op.res, op.fail(fmt.Errorf("upsert %s: %w", kind, err))
	}
	op.res.Upserts++
	op.res.Entities = len(entities)
	op.transition(StateDelivered)
	op.transition(StateCompleted)

	return op.res, nil
}

// ResyncAll resyncs kinds concurrently, one goroutine per kind. A failing
// kind does not affect the others. Results are returned in input order.
func (o *Orchestrator) ResyncAll(ctx context.Context, kinds []resource.Kind) []*Result {
	results := make([]*Result, len(kinds))

	var g errgroup.Group
	for i, kind := range kinds {
		g.Go(func() error {
			// errors are already logged and recorded on the result
			res, _ := o.Resync(ctx, kind, resource.Filter{})
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// operation tracks the state of one invocation.
type operation struct {
	o    *Orchestrator
	ctx  context.Context
	span trace.Span
	res  *Result
}

func (o *Orchestrator) begin(ctx context.Context, name string, kind resource.Kind) *operation {
	id := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "orchestrator."+name, trace.WithAttributes(
		attribute.String("operation.id", id),
		attribute.String("kind", string(kind)),
	))

	op := &operation{
		o:    o,
		ctx:  ctx,
		span: span,
		res: &Result{
			OperationID: id,
			Operation:   name,
			Kind:        kind,
			StartTime:   time.Now(),
		},
	}
	if name != OpWebhookDispatch {
		op.transition(StateStarted)
	}
	return op
}

func (op *operation) log() *zerolog.Logger {
	l := op.o.logger.WithContext(op.ctx).With().
		Str("operation", op.res.Operation).
		Str("operation_id", op.res.OperationID).
		Str("kind", string(op.res.Kind)).
		Logger()
	if op.res.EventType != "" {
		l = l.With().Str("event_type", op.res.EventType).Str("resource_id", op.res.ResourceID).Logger()
	}
	return &l
}

func (op *operation) transition(s State) {
	op.res.State = s
	op.span.AddEvent(string(s))
	op.log().Debug().Str("state", string(s)).Msg("state transition")
}

func (op *operation) fail(err error) error {
	op.res.Error = err.Error()
	op.transition(StateFailed)
	op.span.RecordError(err)
	op.span.SetStatus(codes.Error, err.Error())
	op.log().Error().Err(err).Msg("operation failed")
	return err
}

func (op *operation) abort(err error) error {
	op.res.Error = err.Error()
	op.transition(StateAborted)
	op.log().Error().Err(err).Msg("operation aborted")
	return err
}

func (op *operation) end() {
	op.res.Duration = time.Since(op.res.StartTime)
	op.span.SetAttributes(
		attribute.String("kind", string(op.res.Kind)),
		attribute.String("state", string(op.res.State)),
		attribute.Int("pages", op.res.Pages),
		attribute.Int("entities", op.res.Entities),
	)
	op.span.End()
	op.o.metrics.RecordOperation(op.ctx, op.res)

	if op.res.State == StateCompleted {
		op.log().Info().
			Int("pages", op.res.Pages).
			Int("records", op.res.Records).
			Int("entities", op.res.Entities).
			Dur("duration", op.res.Duration).
			Msg("operation completed")
	}
}
