// Package mapping turns raw Spacelift records into catalog entities using
// per-kind YAML specifiers.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/liftsync/pkg/resource"
)

const selectorQuery = "data.liftsync.selector.allow"

// Specifier describes how records of one kind become entities. Field
// values are gjson paths evaluated against the record.
//
//	blueprint: spaceliftStack
//	selector: input.state != "DELETING"
//	identifier: id
//	title: name
//	properties:
//	  branch: branch
//	relations:
//	  space: spaceId
type Specifier struct {
	Kind       resource.Kind     `yaml:"-"`
	Blueprint  string            `yaml:"blueprint"`
	Selector   string            `yaml:"selector"`
	Identifier string            `yaml:"identifier"`
	Title      string            `yaml:"title"`
	Properties map[string]string `yaml:"properties"`
	Relations  map[string]string `yaml:"relations"`

	selector *rego.PreparedEvalQuery
}

// ParseSpecifier decodes and compiles a specifier for kind.
func ParseSpecifier(ctx context.Context, kind resource.Kind, data []byte) (*Specifier, error) {
	spec := &Specifier{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("parse %s mapping: %w", kind, err)
	}
	spec.Kind = kind

	if spec.Blueprint == "" {
		return nil, fmt.Errorf("%s mapping: blueprint required", kind)
	}
	if spec.Identifier == "" {
		spec.Identifier = "id"
	}

	if expr := strings.TrimSpace(spec.Selector); expr != "" {
		prepared, err := rego.New(
			rego.Query(selectorQuery),
			rego.Module(string(kind)+"_selector.rego", selectorModule(expr)),
		).PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s mapping: compile selector: %w", kind, err)
		}
		spec.selector = &prepared
	}

	return spec, nil
}

func selectorModule(expr string) string {
	return "package liftsync.selector\n\ndefault allow := false\n\nallow if {\n\t" + expr + "\n}\n"
}

// Selects reports whether rec passes the selector. Specifiers without a
// selector select every record.
func (s *Specifier) Selects(ctx context.Context, rec resource.Record) (bool, error) {
	if s.selector == nil {
		return true, nil
	}
	rs, err := s.selector.Eval(ctx, rego.EvalInput(map[string]any(rec)))
	if err != nil {
		return false, fmt.Errorf("evaluate %s selector: %w", s.Kind, err)
	}
	return rs.Allowed(), nil
}

// Registry holds the specifiers loaded from a mappings directory, keyed by
// file stem: stack.yaml maps kind "stack".
type Registry struct {
	mu    sync.RWMutex
	specs map[resource.Kind]*Specifier
}

// NewRegistry creates a registry from already parsed specifiers.
func NewRegistry(specs ...*Specifier) *Registry {
	r := &Registry{specs: make(map[resource.Kind]*Specifier, len(specs))}
	for _, s := range specs {
		r.specs[s.Kind] = s
	}
	return r
}

// LoadDir reads every *.yaml and *.yml file in dir. A missing directory
// yields an empty registry.
func LoadDir(ctx context.Context, dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return NewRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mappings dir: %w", err)
	}

	r := NewRegistry()
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read mapping %s: %w", e.Name(), err)
		}
		kind := resource.ParseKind(strings.TrimSuffix(e.Name(), ext))
		spec, err := ParseSpecifier(ctx, kind, data)
		if err != nil {
			return nil, err
		}
		r.specs[kind] = spec
	}
	return r, nil
}

// Lookup returns the specifier for kind.
func (r *Registry) Lookup(kind resource.Kind) (*Specifier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[kind]
	return s, ok
}

// Set adds or replaces a specifier.
func (r *Registry) Set(spec *Specifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Kind] = spec
}

// Kinds returns the kinds that have a specifier.
func (r *Registry) Kinds() []resource.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]resource.Kind, 0, len(r.specs))
	for k := range r.specs {
		kinds = append(kinds, k)
	}
	return kinds
}
