package emitter

import (
	"context"

	"github.com/yairfalse/liftsync/internal/telemetry"
	"github.com/yairfalse/liftsync/pkg/resource"
)

// LogEmitter writes every upserted entity to the log. Useful for dry runs.
type LogEmitter struct {
	logger *telemetry.Logger
}

// NewLogEmitter creates a LogEmitter.
func NewLogEmitter(logger *telemetry.Logger) *LogEmitter {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Upsert(ctx context.Context, kind resource.Kind, entities []resource.Entity) error {
	log := l.logger.WithContext(ctx)
	for _, e := range entities {
		log.Info().
			Str("kind", string(kind)).
			Str("blueprint", e.Blueprint).
			Str("identifier", e.Identifier).
			Str("title", e.Title).
			Interface("properties", e.Properties).
			Interface("relations", e.Relations).
			Msg("entity upserted")
	}
	return nil
}

func (l *LogEmitter) Close() error { return nil }
