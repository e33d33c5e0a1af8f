package mapping

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/yairfalse/liftsync/internal/telemetry"
	"github.com/yairfalse/liftsync/pkg/resource"
)

// Engine maps records to entities with the specifiers of a Registry.
type Engine struct {
	registry *Registry
	logger   *telemetry.Logger
}

// NewEngine creates an Engine.
func NewEngine(registry *Registry, logger *telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Engine{registry: registry, logger: logger}
}

// Lookup returns the specifier for kind.
func (e *Engine) Lookup(kind resource.Kind) (*Specifier, bool) {
	return e.registry.Lookup(kind)
}

// MapToEntities converts records with spec. Records rejected by the
// selector or without an identifier are skipped.
func (e *Engine) MapToEntities(ctx context.Context, records []resource.Record, spec *Specifier) ([]resource.Entity, error) {
	entities := make([]resource.Entity, 0, len(records))
	for _, rec := range records {
		ok, err := spec.Selects(ctx, rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode %s record: %w", spec.Kind, err)
		}

		id := gjson.GetBytes(raw, spec.Identifier).String()
		if id == "" {
			e.logger.WithContext(ctx).Debug().
				Str("kind", string(spec.Kind)).
				Str("identifier_path", spec.Identifier).
				Msg("record has no identifier, skipping")
			continue
		}

		ent := resource.Entity{
			Identifier: id,
			Blueprint:  spec.Blueprint,
			Properties: extract(raw, spec.Properties),
			Relations:  extract(raw, spec.Relations),
		}
		if spec.Title != "" {
			ent.Title = gjson.GetBytes(raw, spec.Title).String()
		}
		entities = append(entities, ent)
	}
	return entities, nil
}

func extract(raw []byte, paths map[string]string) map[string]any {
	if len(paths) == 0 {
		return nil
	}
	out := make(map[string]any, len(paths))
	for name, path := range paths {
		v := gjson.GetBytes(raw, path)
		if !v.Exists() {
			out[name] = nil
			continue
		}
		out[name] = v.Value()
	}
	return out
}
