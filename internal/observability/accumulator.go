package observability

import (
	"sync"
	"time"
)

// TraceAccumulator collects debug/telemetry breadcrumbs for one unit of
// work. It is built incrementally by whoever owns the execution and
// attached to the boundary event at the end, never threaded through core
// control flow as optional parameters.
type TraceAccumulator struct {
	mu      sync.Mutex
	traceID string
	started time.Time
	marks   []Mark
}

// Mark is one recorded milestone.
type Mark struct {
	Name    string         `json:"name"`
	Elapsed time.Duration  `json:"elapsed"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// NewTraceAccumulator starts an accumulator for the given trace id.
func NewTraceAccumulator(traceID string) *TraceAccumulator {
	return &TraceAccumulator{traceID: traceID, started: time.Now()}
}

// TraceID returns the trace id the accumulator was created with.
func (a *TraceAccumulator) TraceID() string { return a.traceID }

// Mark records a named milestone with optional fields.
func (a *TraceAccumulator) Mark(name string, fields map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marks = append(a.marks, Mark{
		Name:    name,
		Elapsed: time.Since(a.started),
		Fields:  fields,
	})
}

// Marks returns a copy of the recorded milestones.
func (a *TraceAccumulator) Marks() []Mark {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Mark(nil), a.marks...)
}

// Detail flattens the accumulator into the map shape attached to an
// observability event.
func (a *TraceAccumulator) Detail() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	timeline := make([]map[string]any, 0, len(a.marks))
	for _, m := range a.marks {
		entry := map[string]any{
			"name":       m.Name,
			"elapsed_ms": m.Elapsed.Milliseconds(),
		}
		for k, v := range m.Fields {
			entry[k] = v
		}
		timeline = append(timeline, entry)
	}
	return map[string]any{
		"trace_id": a.traceID,
		"timeline": timeline,
	}
}
