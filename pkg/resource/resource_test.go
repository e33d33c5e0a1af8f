package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindStack, ParseKind("  Stack "))
	assert.Equal(t, Kind("worker_pool"), ParseKind("worker_pool"))
}

func TestKind_IsGeneric(t *testing.T) {
	for _, k := range KnownKinds() {
		assert.False(t, k.IsGeneric(), k)
	}
	assert.True(t, Kind("worker_pool").IsGeneric())
}

func TestRecord_ID(t *testing.T) {
	assert.Equal(t, "run1", Record{"id": "run1"}.ID())
	assert.Equal(t, "", Record{"id": 42}.ID())
	assert.Equal(t, "", Record{}.ID())
}

func TestFilter_Immutable(t *testing.T) {
	src := map[string]any{FilterID: "run1"}
	f := NewFilter(src)
	src[FilterID] = "changed"

	assert.Equal(t, "run1", f.ID())

	g := f.With(FilterLastNDays, 7)
	assert.Equal(t, 0, f.LastNDays())
	assert.Equal(t, 7, g.LastNDays())
	assert.Equal(t, []string{FilterID, FilterLastNDays}, g.Names())
}

func TestFilter_Statuses(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  []string
	}{
		{"string slice", []string{"FINISHED", "FAILED"}, []string{"FINISHED", "FAILED"}},
		{"any slice", []any{"FINISHED", 3}, []string{"FINISHED"}},
		{"single string", "FINISHED", []string{"FINISHED"}},
		{"empty string", "", nil},
		{"unsupported", 12, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFilter(map[string]any{FilterStatus: tt.value})
			assert.Equal(t, tt.want, f.Statuses())
		})
	}
}

func TestFilter_Empty(t *testing.T) {
	var f Filter

	assert.True(t, f.IsEmpty())
	assert.Equal(t, "", f.ID())
	assert.Nil(t, f.Statuses())
	assert.True(t, IDFilter("x").With(FilterID, "y").ID() == "y")
}

func TestParseWebhookEvent(t *testing.T) {
	payload := map[string]any{"event": " Run.Finished ", "id": "run1", "stack": "s1"}

	ev := ParseWebhookEvent(payload)

	assert.Equal(t, "run.finished", ev.EventType)
	assert.Equal(t, "run1", ev.ResourceID)
	assert.Equal(t, "s1", ev.RawPayload["stack"])
}

func TestParseWebhookEvent_MissingFields(t *testing.T) {
	ev := ParseWebhookEvent(map[string]any{"id": float64(12)})

	assert.Equal(t, "", ev.EventType)
	assert.Equal(t, "12", ev.ResourceID)
}
