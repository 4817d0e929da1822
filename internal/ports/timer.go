package ports

import (
	"context"
	"encoding/json"
	"time"
)

// TimerHandler is invoked when a scheduled timer fires. Handlers are
// registered by name before the timer service starts so that persisted
// timers can be re-bound after a restart.
type TimerHandler func(ctx context.Context, payload json.RawMessage) error

// TimerService schedules a named handler to run with a payload no earlier
// than now+delay. The schedule must survive process restarts, and at most
// one fire per key is in flight at a time; a due fire for a key waits for
// the previous one to finish.
type TimerService interface {
	// Schedule persists and arms a one-shot timer. Key scopes the
	// single-fire guarantee (typically the actor id). Scheduling again
	// with the same key replaces the pending timer for that key.
	Schedule(ctx context.Context, key, handler string, delay time.Duration, payload json.RawMessage) error

	// Register binds a handler name to a callback. Must be called for
	// every handler name before Start.
	Register(handler string, fn TimerHandler)

	// Start begins firing due timers, including any persisted before a
	// restart.
	Start(ctx context.Context) error

	// Stop drains in-flight fires and stops the service.
	Stop()
}
