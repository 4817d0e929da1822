package ports

import "context"

// EventUpdate is an upsert for one observability record. Fields other than
// EventID are merged into any existing record.
type EventUpdate struct {
	EventID       string         `json:"event_id"`
	Status        string         `json:"status,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

// EventSink receives fire-and-forget observability events. Implementations
// must never let a sink failure affect core control flow; callers ignore
// the error beyond logging it.
type EventSink interface {
	UpsertEvent(ctx context.Context, update EventUpdate) error
}
