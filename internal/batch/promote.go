package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"convoy/internal/observability"
)

// OnTimerFire is the promotion/execution entry point. It reclaims a stuck
// active batch, promotes pending to active in a single state-store write,
// and runs the unit of work. A healthy in-flight active batch makes the
// fire a no-op: another fire already owns processing.
func (e *Engine) OnTimerFire(ctx context.Context, actorID, batchID string) error {
	var (
		toRun      *State
		retryWait  time.Duration
		retryBatch string
	)
	err := e.store.Update(ctx, actorID, func(st *ActorState) error {
		now := e.now()

		if st.Active.HasMessages() {
			switch {
			case st.Active.Status == StatusProcessing && !e.cfg.Stuck.IsStuck(st.Active, now):
				// Healthy execution in flight; this fire is stale.
				return nil
			case st.Active.Status == StatusProcessing:
				// Heartbeat expired: the executor died mid-flight.
				// Clear the slot and continue promoting.
				e.logger.Warn("batch: reclaiming stuck batch %s for actor %s (heartbeat %s old)",
					st.Active.BatchID, actorID, now.Sub(st.Active.LastHeartbeat))
				observability.StuckReclaimed.Inc()
				st.Active = nil
			case st.Active.Status == StatusCollecting:
				// A batch parked for retry. A new arrival may have
				// replaced the per-actor timer with a coalesce-window
				// fire; honor the backoff deadline regardless.
				if st.Active.NextRetryAt.After(now) {
					retryWait = st.Active.NextRetryAt.Sub(now)
					retryBatch = st.Active.BatchID
					return nil
				}
				// Re-promote in place, same batch id and message set.
				st.Active.Status = StatusProcessing
				st.Active.LastHeartbeat = now
				st.Active.NextRetryAt = time.Time{}
				toRun = st.Active.Clone()
				return nil
			}
		}

		if !st.Pending.HasMessages() {
			return nil
		}

		// Copy-and-replace promotion: one write, no intermediate state
		// visible to concurrent readers.
		promoted := st.Pending.Clone()
		promoted.Status = StatusProcessing
		promoted.LastHeartbeat = now
		st.Active = promoted
		st.Pending = NewIdleState()
		toRun = promoted.Clone()
		return nil
	})
	if err != nil {
		return fmt.Errorf("timer fire for %s: %w", actorID, err)
	}
	if retryWait > 0 {
		e.logger.Debug("batch: fire for %s arrived %s before the retry deadline of %s, rescheduling",
			actorID, retryWait, retryBatch)
		e.scheduleFire(ctx, actorID, retryBatch, retryWait)
		return nil
	}
	if toRun == nil {
		return nil
	}
	observability.BatchesPromoted.Inc()
	return e.runBatch(ctx, actorID, toRun)
}

// runBatch executes one promoted batch: the control-command short circuit,
// or the full unit of work with heartbeat upkeep.
func (e *Engine) runBatch(ctx context.Context, actorID string, st *State) error {
	first := st.Messages[0]

	if e.isControl(first.Text) {
		return e.runControl(ctx, actorID, st, first)
	}

	stopHeartbeat := e.startHeartbeat(actorID, st.BatchID)
	started := e.now()

	req := Request{
		ActorID:      actorID,
		BatchID:      st.BatchID,
		TraceID:      uuid.NewString(),
		CombinedText: st.CombinedText(),
		Messages:     st.Messages,
		RetryCount:   st.RetryCount,
		Admin:        first.Admin,
	}
	outcome, execErr := e.processor.ProcessBatch(ctx, req)
	stopHeartbeat()
	observability.BatchDuration.Observe(e.now().Sub(started).Seconds())

	if execErr != nil {
		return e.handleFailure(ctx, actorID, st, execErr)
	}
	return e.completeBatch(ctx, actorID, st, outcome)
}

// runControl processes a recognized control command alone, synchronously.
// Every other message in the batch is intentionally discarded: their
// intent is superseded by the reset.
func (e *Engine) runControl(ctx context.Context, actorID string, st *State, first PendingMessage) error {
	if n := len(st.Messages) - 1; n > 0 {
		e.logger.Info("batch: control command %q discards %d sibling message(s) for actor %s",
			strings.Fields(first.Text)[0], n, actorID)
	}
	// Same heartbeat upkeep as a normal batch: a slow control handler
	// must not look stuck to the reaper.
	stopHeartbeat := e.startHeartbeat(actorID, st.BatchID)
	reply, err := e.processor.ProcessControl(ctx, first)
	stopHeartbeat()
	if err != nil {
		e.logger.Error("batch: control command failed for actor %s: %v", actorID, err)
		reply = "Command failed. Please try again."
	}
	e.deliver(ctx, first, reply)
	return e.completeBatch(ctx, actorID, st, Outcome{})
}

// completeBatch clears the active slot, remembers completed request ids
// for post-completion dedup, delivers the reply, and reschedules if the
// pending slot gained messages during execution.
func (e *Engine) completeBatch(ctx context.Context, actorID string, st *State, outcome Outcome) error {
	pendingGrew := false
	err := e.store.Update(ctx, actorID, func(actor *ActorState) error {
		if actor.Active == nil || actor.Active.BatchID != st.BatchID {
			// The slot was reclaimed while we ran; nothing to clear.
			return nil
		}
		actor.Active = nil
		pendingGrew = actor.Pending.HasMessages()
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete batch %s: %w", st.BatchID, err)
	}

	for _, m := range st.Messages {
		e.recent.Add(m.RequestID, e.now())
	}
	observability.BatchesCompleted.Inc()

	if outcome.Delegated {
		e.logger.Info("batch: %s delegated downstream for actor %s", st.BatchID, actorID)
	}
	if outcome.Reply != "" {
		e.deliver(ctx, st.Messages[0], outcome.Reply)
	}

	if pendingGrew {
		// Messages arrived during execution; don't let them starve.
		e.scheduleFire(ctx, actorID, "", 0)
	}
	return nil
}

// handleFailure applies the retry policy: park the batch for a backoff
// retry, or fail it terminally once the ceiling is reached.
func (e *Engine) handleFailure(ctx context.Context, actorID string, st *State, execErr error) error {
	e.logger.Warn("batch: execution of %s failed (retry %d): %v", st.BatchID, st.RetryCount, execErr)

	var (
		retryDelay  time.Duration
		terminal    bool
		retryErrors []RetryError
		pendingGrew bool
	)
	err := e.store.Update(ctx, actorID, func(actor *ActorState) error {
		if actor.Active == nil || actor.Active.BatchID != st.BatchID {
			// Reclaimed elsewhere (stuck sweep); drop this outcome.
			return nil
		}
		active := actor.Active
		active.RetryErrors = append(active.RetryErrors, RetryError{Timestamp: e.now(), Message: execErr.Error()})

		if e.cfg.Retry.Exhausted(active.RetryCount) {
			terminal = true
			retryErrors = append([]RetryError(nil), active.RetryErrors...)
			active.Status = StatusFailed
			actor.Active = nil
			pendingGrew = actor.Pending.HasMessages()
			return nil
		}

		// Retry in place: same batch id, same message set.
		active.RetryCount++
		active.Status = StatusCollecting
		retryDelay = e.cfg.Retry.Delay(active.RetryCount)
		active.NextRetryAt = e.now().Add(retryDelay)
		return nil
	})
	if err != nil {
		return fmt.Errorf("handle failure for batch %s: %w", st.BatchID, err)
	}

	if terminal {
		observability.BatchesFailed.Inc()
		e.logger.Error("batch: %s failed terminally after %d retries; messages dropped", st.BatchID, e.cfg.Retry.MaxRetries)
		e.deliver(ctx, st.Messages[0], e.failureNotice(st.Messages[0], retryErrors))
		if pendingGrew {
			e.scheduleFire(ctx, actorID, "", 0)
		}
		return nil
	}

	if retryDelay > 0 {
		observability.BatchRetries.Inc()
		e.logger.Info("batch: retrying %s in %s", st.BatchID, retryDelay)
		e.scheduleFire(ctx, actorID, st.BatchID, retryDelay)
	}
	return nil
}

// failureNotice builds the user-visible terminal failure message. Recent
// error summaries are included for admin callers only.
func (e *Engine) failureNotice(first PendingMessage, errs []RetryError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sorry, I couldn't process your message after %d attempts. Please try again.", e.cfg.Retry.MaxRetries+1)
	if first.Admin && len(errs) > 0 {
		b.WriteString("\n\nRecent errors:")
		start := len(errs) - 3
		if start < 0 {
			start = 0
		}
		for _, re := range errs[start:] {
			fmt.Fprintf(&b, "\n- %s: %s", re.Timestamp.Format(time.RFC3339), re.Message)
		}
	}
	return b.String()
}

// deliver sends text to the originating transport. Delivery failure is
// logged and swallowed: it must never affect batch state.
func (e *Engine) deliver(ctx context.Context, msg PendingMessage, text string) {
	if e.transport == nil || text == "" {
		return
	}
	if _, err := e.transport.Send(ctx, msg.OriginalContext, text); err != nil {
		e.logger.Warn("batch: delivery to chat %s failed: %v", msg.ChatID, err)
	}
}

// startHeartbeat refreshes the active batch heartbeat on a fixed interval
// until the returned stop function is called. The write targets the batch
// by id so a reclaimed slot is never touched.
func (e *Engine) startHeartbeat(actorID, batchID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := e.store.Update(context.Background(), actorID, func(actor *ActorState) error {
					if actor.Active != nil && actor.Active.BatchID == batchID && actor.Active.Status == StatusProcessing {
						actor.Active.LastHeartbeat = e.now()
					}
					return nil
				})
				if err != nil {
					e.logger.Warn("batch: heartbeat write for %s failed: %v", batchID, err)
				}
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}
