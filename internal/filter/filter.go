// Package filter decides which kinds are synced and which records reach the
// mapper.
package filter

import (
	"fmt"
	"strings"

	"github.com/yairfalse/liftsync/pkg/resource"
)

// Filter controls which kinds to sync and which records to include.
// Field names may be dotted paths into nested objects, e.g. "commit.hash".
type Filter struct {
	excludeKinds  map[resource.Kind]bool
	includeFields map[string]string
	excludeFields map[string]string
}

// New creates a new Filter from the provided configuration.
func New(excludeKinds []string, includeFields, excludeFields map[string]string) *Filter {
	excludeMap := make(map[resource.Kind]bool)
	for _, k := range excludeKinds {
		excludeMap[resource.ParseKind(k)] = true
	}

	return &Filter{
		excludeKinds:  excludeMap,
		includeFields: includeFields,
		excludeFields: excludeFields,
	}
}

// ShouldSyncKind returns true if the given kind should be synced.
func (f *Filter) ShouldSyncKind(kind resource.Kind) bool {
	return !f.excludeKinds[kind]
}

// ShouldIncludeRecord returns true if the record passes field filters.
func (f *Filter) ShouldIncludeRecord(r resource.Record) bool {
	// Check include fields (whitelist) - ALL must match
	for path, want := range f.includeFields {
		got, ok := lookup(r, path)
		if !ok || got != want {
			return false
		}
	}

	// Check exclude fields (blacklist) - ANY match excludes
	for path, reject := range f.excludeFields {
		if got, ok := lookup(r, path); ok && got == reject {
			return false
		}
	}

	return true
}

// FilterRecords returns only records that pass the filter.
func (f *Filter) FilterRecords(records []resource.Record) []resource.Record {
	if len(f.includeFields) == 0 && len(f.excludeFields) == 0 {
		return records
	}

	filtered := make([]resource.Record, 0, len(records))
	for _, r := range records {
		if f.ShouldIncludeRecord(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeKinds) == 0 && len(f.includeFields) == 0 && len(f.excludeFields) == 0
}

// lookup resolves a dotted path and renders scalar values as strings.
func lookup(r resource.Record, path string) (string, bool) {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case nil:
		return "", true
	case string:
		return v, true
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}
