package batch

import (
	"testing"
	"time"
)

func TestSweepRearmsStuckActive(t *testing.T) {
	h := newTestHarness(t, Config{Stuck: StuckDetector{MaxHeartbeatAge: 30 * time.Second}})
	seedActiveProcessing(t, h, "c1", "stuck")
	h.clock.advance(31 * time.Second)

	r := NewReaper(h.engine, "", nil)
	r.Sweep()

	fire, ok := h.timers.lastSchedule()
	if !ok {
		t.Fatal("sweep must re-arm a fire for the stuck batch")
	}
	if fire.Key != "c1" || fire.Delay != 0 {
		t.Fatalf("unexpected fire: %+v", fire)
	}
}

func TestSweepRearmsOrphanedPending(t *testing.T) {
	h := newTestHarness(t, Config{CoalesceWindow: 3 * time.Second})
	seedPending(t, h, "c1", "orphan", PendingMessage{Text: "hello", RequestID: "r1"})
	h.clock.advance(10 * time.Second)

	r := NewReaper(h.engine, "", nil)
	r.Sweep()

	fire, ok := h.timers.lastSchedule()
	if !ok {
		t.Fatal("sweep must re-arm a fire for the orphaned batch")
	}
	if fire.Delay != 0 {
		t.Fatalf("orphan recovery must fire immediately, got %s", fire.Delay)
	}
}

func TestSweepLeavesHealthyActorsAlone(t *testing.T) {
	h := newTestHarness(t, Config{CoalesceWindow: 3 * time.Second, Stuck: StuckDetector{MaxHeartbeatAge: 30 * time.Second}})
	seedActiveProcessing(t, h, "c1", "healthy")
	seedPending(t, h, "c2", "fresh", PendingMessage{Text: "hi", RequestID: "r1"})

	r := NewReaper(h.engine, "", nil)
	r.Sweep()

	if n := h.timers.scheduleCount(); n != 0 {
		t.Fatalf("healthy actors must not be touched, got %d fires", n)
	}

	// A busy active slot shields even an old pending batch; the
	// completion path reschedules it.
	seedPending(t, h, "c1", "waiting", PendingMessage{Text: "later", RequestID: "r2"})
	h.clock.advance(10 * time.Second)
	h.store.mu.Lock()
	h.store.actors["c1"].Active.LastHeartbeat = h.clock.now()
	h.store.mu.Unlock()

	r.Sweep()
	for _, f := range h.timers.schedules {
		if f.Key == "c1" {
			t.Fatalf("pending behind a healthy active must wait, got fire %+v", f)
		}
	}
}
