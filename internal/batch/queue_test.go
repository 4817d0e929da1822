package batch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueRejectsEmptyText(t *testing.T) {
	h := newTestHarness(t, Config{})
	if _, err := h.engine.Enqueue(context.Background(), input("", "r1", "c1")); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestEnqueueRejectsMissingActor(t *testing.T) {
	h := newTestHarness(t, Config{})
	in := input("hi", "r1", "")
	in.UserID = ""
	if _, err := h.engine.Enqueue(context.Background(), in); err == nil {
		t.Fatal("expected error for missing actor identity")
	}
}

func TestEnqueueImmediateWhenIdle(t *testing.T) {
	h := newTestHarness(t, Config{})
	res, err := h.engine.Enqueue(context.Background(), input("hello", "r1", "c1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !res.Queued || res.BatchID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	fire, ok := h.timers.lastSchedule()
	if !ok {
		t.Fatal("expected a scheduled fire")
	}
	if fire.Delay != 0 {
		t.Fatalf("first idle message should fire immediately, got delay %s", fire.Delay)
	}
	if fire.Key != "c1" || fire.Handler != TimerHandlerName {
		t.Fatalf("unexpected schedule: %+v", fire)
	}
}

func TestEnqueueDelayedWhileActiveBusy(t *testing.T) {
	h := newTestHarness(t, Config{CoalesceWindow: 3 * time.Second})
	seedActiveProcessing(t, h, "c1", "busy-batch")

	res, err := h.engine.Enqueue(context.Background(), input("hello", "r1", "c1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !res.Queued {
		t.Fatal("message should queue while active is busy")
	}
	fire, ok := h.timers.lastSchedule()
	if !ok {
		t.Fatal("expected a scheduled fire")
	}
	if fire.Delay != 3*time.Second {
		t.Fatalf("busy-actor message should wait the coalesce window, got %s", fire.Delay)
	}
}

func TestEnqueuePreservesArrivalOrder(t *testing.T) {
	h := newTestHarness(t, Config{})
	seedActiveProcessing(t, h, "c1", "busy-batch")

	for i, text := range []string{"hel", "hello"} {
		if _, err := h.engine.Enqueue(context.Background(), input(text, requestID(i), "c1")); err != nil {
			t.Fatalf("Enqueue %q: %v", text, err)
		}
	}

	st, err := h.store.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := len(st.Pending.Messages); got != 2 {
		t.Fatalf("pending has %d messages, want 2", got)
	}
	if got := st.Pending.CombinedText(); got != "hel\nhello" {
		t.Fatalf("combined text = %q, want %q", got, "hel\nhello")
	}
}

func TestEnqueueDedupWithinBatch(t *testing.T) {
	h := newTestHarness(t, Config{})
	seedActiveProcessing(t, h, "c1", "busy-batch")

	first, err := h.engine.Enqueue(context.Background(), input("hello", "r1", "c1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	dup, err := h.engine.Enqueue(context.Background(), input("hello again", "r1", "c1"))
	if err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	if !first.Queued || dup.Queued {
		t.Fatalf("first=%+v dup=%+v", first, dup)
	}

	st, _ := h.store.Get(context.Background(), "c1")
	if got := len(st.Pending.Messages); got != 1 {
		t.Fatalf("pending has %d messages, want 1", got)
	}
}

func TestEnqueueDedupAgainstActiveSlot(t *testing.T) {
	h := newTestHarness(t, Config{})
	seedActiveProcessing(t, h, "c1", "busy-batch", PendingMessage{Text: "orig", RequestID: "r1"})

	dup, err := h.engine.Enqueue(context.Background(), input("retry of orig", "r1", "c1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if dup.Queued {
		t.Fatal("duplicate of an in-flight request must be rejected")
	}
}

func TestEnqueueDedupAfterCompletion(t *testing.T) {
	h := newTestHarness(t, Config{})
	h.engine.recent.Add("r1", h.clock.now())

	dup, err := h.engine.Enqueue(context.Background(), input("hello", "r1", "c1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if dup.Queued {
		t.Fatal("recently completed request must be rejected")
	}
	if h.timers.scheduleCount() != 0 {
		t.Fatal("rejected message must not arm a timer")
	}
}

func TestEnqueueMaxMessagesFlushesImmediately(t *testing.T) {
	h := newTestHarness(t, Config{MaxMessages: 3, CoalesceWindow: 3 * time.Second})
	seedActiveProcessing(t, h, "c1", "busy-batch")

	for i := 0; i < 3; i++ {
		if _, err := h.engine.Enqueue(context.Background(), input("msg", requestID(i), "c1")); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	fire, ok := h.timers.lastSchedule()
	if !ok {
		t.Fatal("expected a scheduled fire")
	}
	if fire.Delay != 0 {
		t.Fatalf("full batch should flush immediately, got delay %s", fire.Delay)
	}
}

func TestEnqueueOverAgeBatchFlushesImmediately(t *testing.T) {
	h := newTestHarness(t, Config{MaxBatchAge: 30 * time.Second, CoalesceWindow: 3 * time.Second})
	seedActiveProcessing(t, h, "c1", "busy-batch")

	if _, err := h.engine.Enqueue(context.Background(), input("first", "r1", "c1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	h.clock.advance(31 * time.Second)
	if _, err := h.engine.Enqueue(context.Background(), input("late", "r2", "c1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	fire, _ := h.timers.lastSchedule()
	if fire.Delay != 0 {
		t.Fatalf("over-age batch should flush immediately, got delay %s", fire.Delay)
	}
}

func TestEnqueueSelfHealsOrphanedBatch(t *testing.T) {
	h := newTestHarness(t, Config{CoalesceWindow: 3 * time.Second})
	seedActiveProcessing(t, h, "c1", "busy-batch")

	if _, err := h.engine.Enqueue(context.Background(), input("first", "r1", "c1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Simulate a restart: the active slot is gone and the pending batch
	// outlived its coalesce window with no timer left to fire it.
	h.store.mu.Lock()
	h.store.actors["c1"].Active = nil
	h.store.mu.Unlock()
	h.clock.advance(10 * time.Second)

	if _, err := h.engine.Enqueue(context.Background(), input("second", "r2", "c1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	fire, _ := h.timers.lastSchedule()
	if fire.Delay != 0 {
		t.Fatalf("orphaned batch should self-heal with an immediate fire, got %s", fire.Delay)
	}
}

func TestEnqueueGeneratesRequestID(t *testing.T) {
	h := newTestHarness(t, Config{})
	if _, err := h.engine.Enqueue(context.Background(), input("hello", "", "c1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	st, _ := h.store.Get(context.Background(), "c1")
	if st.Pending.Messages[0].RequestID == "" {
		t.Fatal("server must assign a request id when the client omits one")
	}
}

// seedActiveProcessing puts a healthy processing batch in the active slot.
func seedActiveProcessing(t *testing.T, h *testHarness, actorID, batchID string, msgs ...PendingMessage) {
	t.Helper()
	if len(msgs) == 0 {
		msgs = []PendingMessage{{Text: "in flight", RequestID: "active-req"}}
	}
	err := h.store.Update(context.Background(), actorID, func(st *ActorState) error {
		st.Active = &State{
			Status:         StatusProcessing,
			BatchID:        batchID,
			Messages:       msgs,
			BatchStartedAt: h.clock.now(),
			LastHeartbeat:  h.clock.now(),
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed active: %v", err)
	}
}

func requestID(i int) string {
	return "req-" + string(rune('a'+i))
}

func TestEnqueueRunsInlineWhenSchedulingFails(t *testing.T) {
	h := newTestHarness(t, Config{})
	h.timers.setScheduleErr(errors.New("timer store unavailable"))

	res, err := h.engine.Enqueue(context.Background(), input("hello", "r1", "c1"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !res.Queued {
		t.Fatalf("unexpected result: %+v", res)
	}

	// The fallback fire runs async; wait for the processor.
	deadline := time.Now().Add(2 * time.Second)
	for h.processor.batchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message stranded: processor never ran after scheduling failure")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.transport.sentTexts(); len(got) != 1 || got[0] != "done" {
		t.Fatalf("delivered = %v", got)
	}
	if n := h.timers.scheduleCount(); n != 0 {
		t.Fatalf("no schedule should have been recorded, got %d", n)
	}
}
