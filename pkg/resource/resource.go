// Package resource defines the unified resource model for liftsync.
package resource

import "strings"

// Kind identifies a category of remote objects. The constants below are the
// known kinds; any other non-empty value is a generic kind that is fetched
// through the generic fallback.
type Kind string

const (
	KindSpace      Kind = "space"
	KindStack      Kind = "stack"
	KindUser       Kind = "user"
	KindDeployment Kind = "deployment"
	KindPolicy     Kind = "policy"
)

// KnownKinds lists the known kinds in resync order.
func KnownKinds() []Kind {
	return []Kind{KindSpace, KindStack, KindUser, KindDeployment, KindPolicy}
}

// ParseKind normalizes a kind name (trimmed, lower-cased).
func ParseKind(s string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(s)))
}

// IsGeneric reports whether k is not one of the known kinds.
func (k Kind) IsGeneric() bool {
	switch k {
	case KindSpace, KindStack, KindUser, KindDeployment, KindPolicy:
		return false
	default:
		return true
	}
}

func (k Kind) String() string {
	return string(k)
}

// Record is a raw resource object as returned by the API.
// Its shape is owned by the remote schema, so it stays an opaque map.
type Record map[string]any

// ID returns the record's "id" field as a string, or "" if absent.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Page is one GraphQL response worth of records for a single kind.
// Pages are consumed immediately and never retained.
type Page struct {
	Kind    Kind
	Records []Record
	Cursor  string // endCursor reported with this page
	HasMore bool   // hasNextPage reported with this page
}

// Entity is a catalog entity produced by mapping a Record.
type Entity struct {
	Identifier string         `json:"identifier"`
	Title      string         `json:"title,omitempty"`
	Blueprint  string         `json:"blueprint"`
	Properties map[string]any `json:"properties,omitempty"`
	Relations  map[string]any `json:"relations,omitempty"`
}
