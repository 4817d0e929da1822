package batch

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCollecting Status = "collecting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDelegated  Status = "delegated"
)

// validStatuses enumerates all accepted status values.
var validStatuses = map[Status]bool{
	StatusIdle:       true,
	StatusCollecting: true,
	StatusProcessing: true,
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusDelegated:  true,
}

// IsValid returns true if the status is one of the recognized values.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// PendingMessage is one inbound message awaiting processing.
type PendingMessage struct {
	Text          string    `json:"text"`
	ReceivedAt    time.Time `json:"received_at"`
	RequestID     string    `json:"request_id"`
	UserID        string    `json:"user_id"`
	ChatID        string    `json:"chat_id"`
	Username      string    `json:"username,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Admin         bool      `json:"admin,omitempty"`
	// OriginalContext is the opaque transport payload needed to reply
	// later. Owned by the transport, stored by value.
	OriginalContext json.RawMessage `json:"original_context,omitempty"`
}

// RetryError records one failed execution attempt.
type RetryError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// State holds one coalescing window's worth of messages plus execution
// metadata. A State in processing status is immutable with respect to new
// messages; arrivals go to the actor's pending slot instead.
type State struct {
	Status         Status           `json:"status"`
	Messages       []PendingMessage `json:"messages"`
	BatchID        string           `json:"batch_id,omitempty"`
	RetryCount     int              `json:"retry_count"`
	LastHeartbeat  time.Time        `json:"last_heartbeat,omitempty"`
	BatchStartedAt time.Time        `json:"batch_started_at,omitempty"`
	LastMessageAt  time.Time        `json:"last_message_at,omitempty"`
	// NextRetryAt is the backoff deadline of a batch parked for retry.
	// Fires arriving earlier (a new message replaced the per-actor timer)
	// must not re-promote before it.
	NextRetryAt time.Time    `json:"next_retry_at,omitempty"`
	RetryErrors []RetryError `json:"retry_errors,omitempty"`
}

// NewIdleState returns a fresh empty batch.
func NewIdleState() *State {
	return &State{Status: StatusIdle}
}

// HasMessages reports whether the batch holds at least one message.
func (s *State) HasMessages() bool {
	return s != nil && len(s.Messages) > 0
}

// ContainsRequest reports whether the batch already holds a message with
// the given request id.
func (s *State) ContainsRequest(requestID string) bool {
	if s == nil {
		return false
	}
	for _, m := range s.Messages {
		if m.RequestID == requestID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = append([]PendingMessage(nil), s.Messages...)
	out.RetryErrors = append([]RetryError(nil), s.RetryErrors...)
	return &out
}

// CombinedText concatenates message texts in arrival order, newline
// separated, preserving temporal ordering (a typo followed by its
// correction both appear, in order).
func (s *State) CombinedText() string {
	if s == nil {
		return ""
	}
	var out string
	for i, m := range s.Messages {
		if i > 0 {
			out += "\n"
		}
		out += m.Text
	}
	return out
}

// ActorState is the durable per-actor blob: the two batch slots plus
// identity. Per-actor invariant: at most one active and one pending batch;
// new messages append only to pending.
type ActorState struct {
	ActorID string `json:"actor_id"`
	Active  *State `json:"active,omitempty"`
	Pending *State `json:"pending,omitempty"`
}

// ActorStore provides durable, single-writer-per-actor state. Update runs
// fn under the actor's write lock; the mutated state is persisted before
// Update returns. This read-modify-write discipline is the only mutation
// path, so no finer-grained locking exists anywhere else.
type ActorStore interface {
	Get(ctx context.Context, actorID string) (*ActorState, error)
	Update(ctx context.Context, actorID string, fn func(*ActorState) error) error
	List(ctx context.Context) ([]string, error)
}
