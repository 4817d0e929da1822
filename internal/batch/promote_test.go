package batch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func seedPending(t *testing.T, h *testHarness, actorID, batchID string, msgs ...PendingMessage) {
	t.Helper()
	err := h.store.Update(context.Background(), actorID, func(st *ActorState) error {
		st.Pending = &State{
			Status:         StatusCollecting,
			BatchID:        batchID,
			Messages:       msgs,
			BatchStartedAt: h.clock.now(),
			LastMessageAt:  h.clock.now(),
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed pending: %v", err)
	}
}

func TestFirePromotesAndCompletes(t *testing.T) {
	h := newTestHarness(t, Config{})
	h.processor.reply = "hi there"
	seedPending(t, h, "c1", "b1",
		PendingMessage{Text: "hel", RequestID: "r1"},
		PendingMessage{Text: "hello", RequestID: "r2"},
	)

	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("OnTimerFire: %v", err)
	}

	if h.processor.batchCount() != 1 {
		t.Fatalf("processor ran %d times, want 1", h.processor.batchCount())
	}
	req := h.processor.batches[0]
	if req.CombinedText != "hel\nhello" {
		t.Fatalf("combined text = %q", req.CombinedText)
	}
	if req.BatchID != "b1" || req.TraceID == "" {
		t.Fatalf("unexpected request: %+v", req)
	}

	st, _ := h.store.Get(context.Background(), "c1")
	if st.Active != nil {
		t.Fatal("active slot should be clear after completion")
	}
	if st.Pending.HasMessages() {
		t.Fatal("pending slot should be empty after promotion")
	}
	if got := h.transport.sentTexts(); len(got) != 1 || got[0] != "hi there" {
		t.Fatalf("delivered = %v", got)
	}
	if _, seen := h.engine.recent.Get("r1"); !seen {
		t.Fatal("completed request ids must enter the dedup cache")
	}
}

func TestFireNoOpWithEmptyPending(t *testing.T) {
	h := newTestHarness(t, Config{})
	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("OnTimerFire: %v", err)
	}
	if h.processor.batchCount() != 0 {
		t.Fatal("nothing to promote, processor must not run")
	}
}

func TestFireNoOpWhileHealthyProcessing(t *testing.T) {
	h := newTestHarness(t, Config{})
	seedActiveProcessing(t, h, "c1", "busy")
	seedPending(t, h, "c1", "b2", PendingMessage{Text: "queued", RequestID: "r9"})

	if err := h.engine.OnTimerFire(context.Background(), "c1", "b2"); err != nil {
		t.Fatalf("OnTimerFire: %v", err)
	}
	if h.processor.batchCount() != 0 {
		t.Fatal("a healthy in-flight batch must block promotion")
	}
	st, _ := h.store.Get(context.Background(), "c1")
	if st.Active == nil || st.Active.BatchID != "busy" {
		t.Fatal("active slot must be untouched")
	}
}

func TestFireReclaimsStuckBatch(t *testing.T) {
	h := newTestHarness(t, Config{Stuck: StuckDetector{MaxHeartbeatAge: 30 * time.Second}})
	seedActiveProcessing(t, h, "c1", "stuck")
	seedPending(t, h, "c1", "b2", PendingMessage{Text: "next", RequestID: "r2"})
	h.clock.advance(31 * time.Second)

	if err := h.engine.OnTimerFire(context.Background(), "c1", "b2"); err != nil {
		t.Fatalf("OnTimerFire: %v", err)
	}
	if h.processor.batchCount() != 1 {
		t.Fatalf("processor ran %d times, want 1 (the promoted pending batch)", h.processor.batchCount())
	}
	if got := h.processor.batches[0].BatchID; got != "b2" {
		t.Fatalf("promoted batch = %q, want b2", got)
	}
}

func TestFireRepromotesParkedRetry(t *testing.T) {
	h := newTestHarness(t, Config{})
	// A batch parked for retry sits in the active slot in collecting
	// status, retry count already advanced.
	err := h.store.Update(context.Background(), "c1", func(st *ActorState) error {
		st.Active = &State{
			Status:         StatusCollecting,
			BatchID:        "parked",
			Messages:       []PendingMessage{{Text: "try again", RequestID: "r1"}},
			RetryCount:     1,
			BatchStartedAt: h.clock.now(),
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := h.engine.OnTimerFire(context.Background(), "c1", "parked"); err != nil {
		t.Fatalf("OnTimerFire: %v", err)
	}
	if h.processor.batchCount() != 1 {
		t.Fatalf("processor ran %d times, want 1", h.processor.batchCount())
	}
	req := h.processor.batches[0]
	if req.BatchID != "parked" || req.RetryCount != 1 {
		t.Fatalf("re-promotion must keep batch id and retry count: %+v", req)
	}
}

func TestFailureParksForRetry(t *testing.T) {
	h := newTestHarness(t, Config{Retry: RetryPolicy{MaxRetries: 6, InitialDelay: 2 * time.Second, MaxDelay: 64 * time.Second, Multiplier: 2}})
	h.processor.errs = []error{errors.New("provider unavailable")}
	seedPending(t, h, "c1", "b1", PendingMessage{Text: "hello", RequestID: "r1"})

	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("OnTimerFire: %v", err)
	}

	st, _ := h.store.Get(context.Background(), "c1")
	if st.Active == nil {
		t.Fatal("failed batch must stay parked in the active slot")
	}
	if st.Active.Status != StatusCollecting || st.Active.RetryCount != 1 {
		t.Fatalf("parked state = %s retry=%d", st.Active.Status, st.Active.RetryCount)
	}
	if len(st.Active.RetryErrors) != 1 || st.Active.RetryErrors[0].Message != "provider unavailable" {
		t.Fatalf("retry errors = %+v", st.Active.RetryErrors)
	}
	fire, ok := h.timers.lastSchedule()
	if !ok {
		t.Fatal("expected a retry fire")
	}
	if fire.Delay != 4*time.Second {
		t.Fatalf("retry delay = %s, want 4s", fire.Delay)
	}
	if len(h.transport.sentTexts()) != 0 {
		t.Fatal("non-terminal failure must not notify the user")
	}
}

func TestTerminalFailureNotifiesUser(t *testing.T) {
	h := newTestHarness(t, Config{Retry: RetryPolicy{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}})
	h.processor.errs = []error{errors.New("boom 1"), errors.New("boom 2")}
	seedPending(t, h, "c1", "b1", PendingMessage{Text: "hello", RequestID: "r1"})

	// First failure parks, second exhausts the single retry.
	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("first fire: %v", err)
	}
	h.clock.advance(time.Second)
	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("second fire: %v", err)
	}

	st, _ := h.store.Get(context.Background(), "c1")
	if st.Active != nil {
		t.Fatal("terminally failed batch must clear the active slot")
	}
	texts := h.transport.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("delivered = %v", texts)
	}
	if !strings.Contains(texts[0], "couldn't process your message") {
		t.Fatalf("failure notice = %q", texts[0])
	}
	if strings.Contains(texts[0], "Recent errors") {
		t.Fatal("non-admin notice must not include error details")
	}
}

func TestTerminalFailureIncludesAdminDetail(t *testing.T) {
	h := newTestHarness(t, Config{Retry: RetryPolicy{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}})
	h.processor.errs = []error{errors.New("boom 1"), errors.New("boom 2")}
	seedPending(t, h, "c1", "b1", PendingMessage{Text: "hello", RequestID: "r1", Admin: true})

	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("first fire: %v", err)
	}
	h.clock.advance(time.Second)
	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("second fire: %v", err)
	}

	texts := h.transport.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("delivered = %v", texts)
	}
	if !strings.Contains(texts[0], "Recent errors") || !strings.Contains(texts[0], "boom 2") {
		t.Fatalf("admin notice = %q", texts[0])
	}
}

func TestControlCommandDiscardsSiblings(t *testing.T) {
	h := newTestHarness(t, Config{ControlCommands: []string{"/clear"}})
	h.processor.controlReply = "Conversation cleared."
	seedPending(t, h, "c1", "b1",
		PendingMessage{Text: "/clear", RequestID: "r1"},
		PendingMessage{Text: "also do this", RequestID: "r2"},
	)

	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("OnTimerFire: %v", err)
	}
	if h.processor.controlCount() != 1 {
		t.Fatalf("control ran %d times, want 1", h.processor.controlCount())
	}
	if h.processor.batchCount() != 0 {
		t.Fatal("sibling messages of a control command must be discarded")
	}
	if got := h.transport.sentTexts(); len(got) != 1 || got[0] != "Conversation cleared." {
		t.Fatalf("delivered = %v", got)
	}
	st, _ := h.store.Get(context.Background(), "c1")
	if st.Active != nil {
		t.Fatal("control batch must complete and clear the active slot")
	}
}

func TestCompletionReschedulesGrownPending(t *testing.T) {
	h := newTestHarness(t, Config{})
	h.processor.onBatch = func(Request) {
		// A message lands while the batch is executing.
		err := h.store.Update(context.Background(), "c1", func(st *ActorState) error {
			st.Pending = &State{
				Status:         StatusCollecting,
				BatchID:        "b2",
				Messages:       []PendingMessage{{Text: "while busy", RequestID: "r9"}},
				BatchStartedAt: h.clock.now(),
			}
			return nil
		})
		if err != nil {
			t.Errorf("mid-flight enqueue: %v", err)
		}
	}
	seedPending(t, h, "c1", "b1", PendingMessage{Text: "hello", RequestID: "r1"})

	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("OnTimerFire: %v", err)
	}
	fire, ok := h.timers.lastSchedule()
	if !ok {
		t.Fatal("expected a reschedule for the grown pending slot")
	}
	if fire.Delay != 0 {
		t.Fatalf("grown pending must fire immediately, got %s", fire.Delay)
	}
}

func TestRetryBackoffSurvivesNewArrivals(t *testing.T) {
	h := newTestHarness(t, Config{
		CoalesceWindow: 3 * time.Second,
		Retry:          RetryPolicy{MaxRetries: 3, InitialDelay: 2 * time.Second, MaxDelay: 64 * time.Second, Multiplier: 2},
	})
	h.processor.errs = []error{errors.New("provider unavailable")}
	seedPending(t, h, "c1", "b1", PendingMessage{Text: "hello", RequestID: "r1"})

	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("first fire: %v", err)
	}
	fire, ok := h.timers.lastSchedule()
	if !ok || fire.Delay != 4*time.Second {
		t.Fatalf("retry fire = %+v", fire)
	}

	// A new arrival replaces the per-actor timer with a coalesce fire.
	if _, err := h.engine.Enqueue(context.Background(), input("more", "r2", "c1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	fire, _ = h.timers.lastSchedule()
	if fire.Delay != 3*time.Second {
		t.Fatalf("coalesce fire delay = %s, want 3s", fire.Delay)
	}

	// That fire lands one second before the backoff deadline: the parked
	// batch must not run yet.
	h.clock.advance(3 * time.Second)
	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("early fire: %v", err)
	}
	if n := h.processor.batchCount(); n != 1 {
		t.Fatalf("parked batch ran %d times before its backoff deadline", n)
	}
	fire, ok = h.timers.lastSchedule()
	if !ok || fire.Delay != time.Second {
		t.Fatalf("deferred fire = %+v, want the 1s remainder", fire)
	}

	// Past the deadline the retry proceeds with its original identity.
	h.clock.advance(time.Second)
	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("retry fire: %v", err)
	}
	if n := h.processor.batchCount(); n != 2 {
		t.Fatalf("processor ran %d times, want 2", n)
	}
	req := h.processor.batches[1]
	if req.BatchID != "b1" || req.RetryCount != 1 {
		t.Fatalf("retried request = %+v", req)
	}
}

func TestControlKeepsHeartbeatFresh(t *testing.T) {
	h := newTestHarness(t, Config{
		ControlCommands:   []string{"/clear"},
		HeartbeatInterval: 5 * time.Millisecond,
	})
	seedPending(t, h, "c1", "b1", PendingMessage{Text: "/clear", RequestID: "r1", ChatID: "c1"})

	promoted := h.clock.now()
	h.processor.onControl = func(PendingMessage) {
		// Simulate a slow command: move the clock well past the
		// heartbeat age and wait for the upkeep loop to write.
		h.clock.advance(time.Minute)
		deadline := time.Now().Add(2 * time.Second)
		for {
			h.store.mu.Lock()
			hb := h.store.actors["c1"].Active.LastHeartbeat
			h.store.mu.Unlock()
			if hb.After(promoted) {
				return
			}
			if time.Now().After(deadline) {
				t.Error("heartbeat never refreshed during control execution")
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	if err := h.engine.OnTimerFire(context.Background(), "c1", "b1"); err != nil {
		t.Fatalf("OnTimerFire: %v", err)
	}
	if h.processor.controlCount() != 1 {
		t.Fatalf("control ran %d times, want 1", h.processor.controlCount())
	}
}
