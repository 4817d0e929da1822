package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"convoy/internal/logging"
	"convoy/internal/ports"
)

// TimerHandlerName is the durable timer handler the engine registers for
// batch promotion fires.
const TimerHandlerName = "batch.fire"

// firePayload is the opaque payload carried by a scheduled promotion fire.
type firePayload struct {
	ActorID string `json:"actor_id"`
	BatchID string `json:"batch_id,omitempty"`
}

// Config controls coalescing, liveness, and retry behavior.
type Config struct {
	// CoalesceWindow is the delay applied to non-urgent fires so rapid
	// message bursts merge into one batch.
	CoalesceWindow time.Duration
	// MaxBatchAge force-flushes a pending batch regardless of traffic.
	MaxBatchAge time.Duration
	// MaxMessages triggers immediate execution when a pending batch
	// reaches this size.
	MaxMessages int
	// HeartbeatInterval is how often an in-flight execution refreshes
	// the active batch heartbeat.
	HeartbeatInterval time.Duration
	// DedupCacheSize bounds the LRU of recently completed request ids.
	DedupCacheSize int
	// ControlCommands are first-message commands processed alone; the
	// remaining batch messages are intentionally discarded.
	ControlCommands []string

	Stuck StuckDetector
	Retry RetryPolicy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CoalesceWindow:    3 * time.Second,
		MaxBatchAge:       30 * time.Second,
		MaxMessages:       10,
		HeartbeatInterval: 5 * time.Second,
		DedupCacheSize:    1024,
		ControlCommands:   []string{"/clear", "/reset"},
		Stuck:             DefaultStuckDetector(),
		Retry:             DefaultRetryPolicy(),
	}
}

// Request is one promoted unit of work handed to the processor.
type Request struct {
	ActorID      string
	BatchID      string
	TraceID      string
	CombinedText string
	Messages     []PendingMessage
	RetryCount   int
	Admin        bool
}

// Outcome is the processor's result for a unit of work.
type Outcome struct {
	// Reply is the final text delivered to the originating transport.
	Reply string
	// Delegated marks the unit as handed off to an external executor;
	// the reply, if any, is an acknowledgement.
	Delegated bool
}

// Processor executes one promoted batch. ProcessControl handles a
// recognized control command synchronously, outside the normal pipeline.
type Processor interface {
	ProcessBatch(ctx context.Context, req Request) (Outcome, error)
	ProcessControl(ctx context.Context, msg PendingMessage) (string, error)
}

// Engine owns the per-actor two-slot batch state machine: it coalesces
// inbound messages, guarantees at-most-one active unit of work per actor,
// and drives promotion, retry, and stuck recovery through the durable
// timer service.
type Engine struct {
	store     ActorStore
	timers    ports.TimerService
	transport ports.Transport
	processor Processor
	logger    logging.Logger
	cfg       Config
	controls  map[string]struct{}

	// recent remembers request ids of completed batches so duplicates
	// arriving after completion are still rejected.
	recent *lru.Cache[string, time.Time]

	now func() time.Time
}

// NewEngine wires the batch engine. The engine registers itself as the
// TimerHandlerName handler on the timer service.
func NewEngine(store ActorStore, timers ports.TimerService, transport ports.Transport, processor Processor, cfg Config, logger logging.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("batch engine: actor store is required")
	}
	if timers == nil {
		return nil, fmt.Errorf("batch engine: timer service is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("batch engine: processor is required")
	}
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = DefaultConfig().CoalesceWindow
	}
	if cfg.MaxBatchAge <= 0 {
		cfg.MaxBatchAge = DefaultConfig().MaxBatchAge
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultConfig().MaxMessages
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = DefaultConfig().DedupCacheSize
	}
	if cfg.Stuck.MaxHeartbeatAge <= 0 {
		cfg.Stuck = DefaultStuckDetector()
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if len(cfg.ControlCommands) == 0 {
		cfg.ControlCommands = DefaultConfig().ControlCommands
	}

	recent, err := lru.New[string, time.Time](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("batch engine: dedup cache: %w", err)
	}

	controls := make(map[string]struct{}, len(cfg.ControlCommands))
	for _, c := range cfg.ControlCommands {
		controls[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}

	e := &Engine{
		store:     store,
		timers:    timers,
		transport: transport,
		processor: processor,
		logger:    logging.OrNop(logger),
		cfg:       cfg,
		controls:  controls,
		recent:    recent,
		now:       time.Now,
	}
	timers.Register(TimerHandlerName, e.handleTimerFire)
	return e, nil
}

// ActorSnapshot returns a copy of the actor's two-slot state for
// inspection surfaces.
func (e *Engine) ActorSnapshot(ctx context.Context, actorID string) (*ActorState, error) {
	if actorID == "" {
		return nil, fmt.Errorf("batch: actor id is required")
	}
	return e.store.Get(ctx, actorID)
}

// ActorKey derives the actor identity from a parsed input: one actor per
// chat, falling back to the user for direct sessions.
func ActorKey(input ports.ParsedInput) string {
	if input.ChatID != "" {
		return input.ChatID
	}
	return input.UserID
}

// isControl reports whether text is a recognized control command.
func (e *Engine) isControl(text string) bool {
	cmd := strings.ToLower(strings.TrimSpace(text))
	if i := strings.IndexAny(cmd, " \t"); i > 0 {
		cmd = cmd[:i]
	}
	_, ok := e.controls[cmd]
	return ok
}

func (e *Engine) handleTimerFire(ctx context.Context, payload json.RawMessage) error {
	var p firePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("batch fire: decode payload: %w", err)
	}
	if p.ActorID == "" {
		return fmt.Errorf("batch fire: empty actor id")
	}
	return e.OnTimerFire(ctx, p.ActorID, p.BatchID)
}

// scheduleFire arms a durable timer for the actor. Scheduling failure must
// not strand messages: the fire handler is invoked directly, async.
func (e *Engine) scheduleFire(ctx context.Context, actorID, batchID string, delay time.Duration) {
	payload, _ := json.Marshal(firePayload{ActorID: actorID, BatchID: batchID})
	if err := e.timers.Schedule(ctx, actorID, TimerHandlerName, delay, payload); err != nil {
		e.logger.Error("batch: schedule fire for %s failed, executing inline: %v", actorID, err)
		go func() {
			if fireErr := e.OnTimerFire(context.Background(), actorID, batchID); fireErr != nil {
				e.logger.Error("batch: inline fire for %s failed: %v", actorID, fireErr)
			}
		}()
	}
}
