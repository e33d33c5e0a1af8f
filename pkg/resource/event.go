package resource

import (
	"fmt"
	"strings"
)

// WebhookEvent is an inbound notification about a single remote resource.
type WebhookEvent struct {
	EventType  string
	ResourceID string
	RawPayload map[string]any
}

// ParseWebhookEvent extracts the event type and resource id from a decoded
// webhook body of the form {"event": "...", "id": "...", ...}.
func ParseWebhookEvent(payload map[string]any) WebhookEvent {
	return WebhookEvent{
		EventType:  strings.ToLower(strings.TrimSpace(stringField(payload, "event"))),
		ResourceID: stringField(payload, "id"),
		RawPayload: payload,
	}
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
