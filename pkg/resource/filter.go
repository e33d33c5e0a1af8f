package resource

import (
	"maps"
	"slices"
)

// Well-known filter names.
const (
	FilterID        = "id"
	FilterStatus    = "deployment_status"
	FilterLastNDays = "last_n_days"
)

// Filter scopes a single fetch invocation. It is immutable: constructors
// copy their input and With returns a new Filter.
type Filter struct {
	values map[string]any
}

// NewFilter builds a Filter from a copy of values.
func NewFilter(values map[string]any) Filter {
	if len(values) == 0 {
		return Filter{}
	}
	return Filter{values: maps.Clone(values)}
}

// IDFilter returns a Filter selecting a single resource by id.
func IDFilter(id string) Filter {
	return Filter{values: map[string]any{FilterID: id}}
}

// With returns a copy of f with name set to value.
func (f Filter) With(name string, value any) Filter {
	values := maps.Clone(f.values)
	if values == nil {
		values = make(map[string]any, 1)
	}
	values[name] = value
	return Filter{values: values}
}

// Get returns the raw value for name.
func (f Filter) Get(name string) (any, bool) {
	v, ok := f.values[name]
	return v, ok
}

// IsEmpty reports whether no filter values are set.
func (f Filter) IsEmpty() bool {
	return len(f.values) == 0
}

// Names returns the set filter names, sorted.
func (f Filter) Names() []string {
	return slices.Sorted(maps.Keys(f.values))
}

// ID returns the single-resource id filter, or "".
func (f Filter) ID() string {
	id, _ := f.values[FilterID].(string)
	return id
}

// Statuses returns the deployment status list. Accepts []string, []any of
// strings, or a single string.
func (f Filter) Statuses() []string {
	switch v := f.values[FilterStatus].(type) {
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// LastNDays returns the day window, or 0 when unset.
func (f Filter) LastNDays() int {
	switch v := f.values[FilterLastNDays].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
