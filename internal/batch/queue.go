package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"convoy/internal/observability"
	"convoy/internal/ports"
)

// EnqueueResult reports whether the message was accepted and into which
// batch it was coalesced.
type EnqueueResult struct {
	Queued  bool   `json:"queued"`
	BatchID string `json:"batch_id,omitempty"`
}

// scheduleDecision is the timer action chosen by one enqueue.
type scheduleDecision int

const (
	scheduleNone scheduleDecision = iota
	scheduleImmediate
	scheduleDelayed
)

// Enqueue accepts one inbound message: dedups it against both batch slots
// and the recently-completed cache, appends it to the actor's pending
// batch, and arms the promotion timer according to the coalescing rules.
func (e *Engine) Enqueue(ctx context.Context, input ports.ParsedInput) (EnqueueResult, error) {
	if input.Text == "" {
		return EnqueueResult{}, fmt.Errorf("enqueue: empty message text")
	}
	actorID := ActorKey(input)
	if actorID == "" {
		return EnqueueResult{}, fmt.Errorf("enqueue: missing actor identity")
	}
	requestID := input.RequestID
	if requestID == "" {
		// Client did not supply a dedup key; generate a server-side one.
		requestID = uuid.NewString()
	}

	if _, seen := e.recent.Get(requestID); seen {
		observability.MessagesDeduped.Inc()
		return EnqueueResult{Queued: false}, nil
	}

	msg := PendingMessage{
		Text:            input.Text,
		ReceivedAt:      e.now(),
		RequestID:       requestID,
		UserID:          input.UserID,
		ChatID:          input.ChatID,
		Username:        input.Username,
		CorrelationID:   input.CorrelationID,
		Admin:           input.Admin,
		OriginalContext: input.Raw,
	}

	var (
		result   EnqueueResult
		decision scheduleDecision
	)
	err := e.store.Update(ctx, actorID, func(st *ActorState) error {
		now := e.now()

		// Dedup against both slots before any mutation.
		if st.Active.ContainsRequest(requestID) || st.Pending.ContainsRequest(requestID) {
			result = EnqueueResult{Queued: false}
			decision = scheduleNone
			return nil
		}

		if st.Pending == nil {
			st.Pending = NewIdleState()
		}
		pending := st.Pending
		if len(pending.Messages) == 0 {
			pending.BatchID = uuid.NewString()
			pending.BatchStartedAt = now
			pending.Status = StatusCollecting
		}
		pending.Messages = append(pending.Messages, msg)
		pending.LastMessageAt = now
		result = EnqueueResult{Queued: true, BatchID: pending.BatchID}

		first := len(pending.Messages) == 1
		activeBusy := st.Active.HasMessages()
		batchAge := now.Sub(pending.BatchStartedAt)

		switch {
		case len(pending.Messages) >= e.cfg.MaxMessages || batchAge >= e.cfg.MaxBatchAge:
			// Full or over-age batch: flush now.
			decision = scheduleImmediate
		case first && !activeBusy:
			// Lone fresh message with nothing in flight: minimize
			// perceived latency.
			decision = scheduleImmediate
		case !first && !activeBusy && pending.Status == StatusCollecting && batchAge > e.cfg.CoalesceWindow:
			// Orphaned batch: its original timer should have fired
			// already (lost across a restart). Self-heal.
			decision = scheduleImmediate
		default:
			decision = scheduleDelayed
		}
		return nil
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue: %w", err)
	}

	if !result.Queued {
		observability.MessagesDeduped.Inc()
		e.logger.Debug("batch: duplicate request %s for actor %s", requestID, actorID)
		return result, nil
	}
	observability.MessagesEnqueued.Inc()

	switch decision {
	case scheduleImmediate:
		e.scheduleFire(ctx, actorID, result.BatchID, 0)
	case scheduleDelayed:
		e.scheduleFire(ctx, actorID, result.BatchID, e.cfg.CoalesceWindow)
	}
	return result, nil
}

// pendingAge is a small helper for the reaper: how long the pending batch
// has been collecting.
func pendingAge(st *ActorState, now time.Time) (time.Duration, bool) {
	if st == nil || !st.Pending.HasMessages() || st.Pending.Status != StatusCollecting {
		return 0, false
	}
	return now.Sub(st.Pending.BatchStartedAt), true
}
