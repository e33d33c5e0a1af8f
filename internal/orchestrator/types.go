package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/yairfalse/liftsync/internal/graphql"
	"github.com/yairfalse/liftsync/internal/mapping"
	"github.com/yairfalse/liftsync/pkg/resource"
)

// ErrMappingUnavailable is returned when no mapping specifier exists for a
// kind.
var ErrMappingUnavailable = errors.New("mapping unavailable")

// State is a step of one sync operation.
type State string

const (
	StateStarted    State = "started"
	StateFetching   State = "fetching"
	StateMapped     State = "mapped"
	StateDelivered  State = "delivered"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateAborted    State = "aborted"
	StateReceived   State = "received"
	StateClassified State = "classified"
	StateDropped    State = "dropped"
	StateResolved   State = "resolved"
)

// Operation names used in logs and metrics.
const (
	OpScheduledResync = "scheduled_resync"
	OpGenericResync   = "generic_resync"
	OpWebhookDispatch = "webhook_dispatch"
)

// Result describes one finished operation.
type Result struct {
	OperationID string        `json:"operation_id"`
	Operation   string        `json:"operation"`
	Kind        resource.Kind `json:"kind,omitempty"`
	EventType   string        `json:"event_type,omitempty"`
	ResourceID  string        `json:"resource_id,omitempty"`
	State       State         `json:"state"`
	Pages       int           `json:"pages"`
	Records     int           `json:"records"`
	Entities    int           `json:"entities"`
	Upserts     int           `json:"upserts"`
	StartTime   time.Time     `json:"start_time"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Fetcher produces the page stream for a kind.
type Fetcher interface {
	Fetch(kind resource.Kind, filter resource.Filter) *graphql.Pager
}

// Mapper finds specifiers and maps records to entities.
type Mapper interface {
	Lookup(kind resource.Kind) (*mapping.Specifier, bool)
	MapToEntities(ctx context.Context, records []resource.Record, spec *mapping.Specifier) ([]resource.Entity, error)
}

// Catalog receives mapped entities.
type Catalog interface {
	Upsert(ctx context.Context, kind resource.Kind, entities []resource.Entity) error
}

// eventKinds classifies webhook event types.
var eventKinds = map[string]resource.Kind{
	"run.created":    resource.KindDeployment,
	"run.finished":   resource.KindDeployment,
	"run.failed":     resource.KindDeployment,
	"stack.created":  resource.KindStack,
	"policy.created": resource.KindPolicy,
}

// ClassifyEvent maps a webhook event type to the kind it affects.
func ClassifyEvent(eventType string) (resource.Kind, bool) {
	kind, ok := eventKinds[eventType]
	return kind, ok
}
