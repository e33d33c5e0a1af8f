// Package emitter delivers mapped entities to catalog backends.
package emitter

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/liftsync/pkg/resource"
)

// Emitter upserts entities of one kind into a catalog backend.
type Emitter interface {
	// Upsert creates or updates entities. It is called once per mapped page.
	Upsert(ctx context.Context, kind resource.Kind, entities []resource.Entity) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter writes every page to several catalogs in order.
type MultiEmitter struct {
	targets []Emitter
}

// NewMultiEmitter combines targets; the first one is the primary catalog.
func NewMultiEmitter(targets ...Emitter) *MultiEmitter {
	return &MultiEmitter{targets: targets}
}

// Upsert stops at the first target that rejects the page, so later
// targets never hold entities the primary does not.
func (m *MultiEmitter) Upsert(ctx context.Context, kind resource.Kind, entities []resource.Entity) error {
	for i, target := range m.targets {
		if err := target.Upsert(ctx, kind, entities); err != nil {
			return fmt.Errorf("catalog %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every target even if some fail.
func (m *MultiEmitter) Close() error {
	errs := make([]error, 0, len(m.targets))
	for _, target := range m.targets {
		errs = append(errs, target.Close())
	}
	return errors.Join(errs...)
}
