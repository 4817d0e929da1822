package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"convoy/internal/batch"
	"convoy/internal/llm"
	"convoy/internal/logging"
	"convoy/internal/observability"
	"convoy/internal/plan"
	"convoy/internal/ports"
)

// Config controls the coordinator's routing and prompting.
type Config struct {
	// SystemPrompt frames direct chat completions.
	SystemPrompt string
	// TokenBudget caps the combined batch text fed to the model.
	TokenBudget int
	// HistoryTurns bounds the per-actor transcript window.
	HistoryTurns int
	// ComplexityWordThreshold routes requests at or above this many words
	// through the planner.
	ComplexityWordThreshold int
	Planner                 plan.PlannerConfig
	Executor                plan.ExecutorConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:            "You are a helpful assistant. Answer directly and keep replies concise.",
		TokenBudget:             6000,
		HistoryTurns:            12,
		ComplexityWordThreshold: 40,
		Planner:                 plan.DefaultPlannerConfig(),
		Executor:                plan.DefaultExecutorConfig(),
	}
}

// Coordinator is the unit of work behind the batch engine. It routes each
// promoted batch either through a direct chat completion or through the
// plan pipeline (plan, execute, aggregate), reports progress on the
// originating transport, and mirrors lifecycle to the event sink.
type Coordinator struct {
	client     ports.LLMClient
	transport  ports.Transport
	sink       ports.EventSink
	registry   *plan.Registry
	planner    *plan.Planner
	executor   *plan.Executor
	aggregator *plan.Aggregator
	history    *historyBook
	logger     logging.Logger
	cfg        Config
}

var _ batch.Processor = (*Coordinator)(nil)

// NewCoordinator wires the plan pipeline around the given worker registry.
func NewCoordinator(client ports.LLMClient, transport ports.Transport, sink ports.EventSink, registry *plan.Registry, cfg Config, logger logging.Logger) (*Coordinator, error) {
	if client == nil {
		return nil, fmt.Errorf("agent: llm client is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("agent: worker registry is required")
	}
	def := DefaultConfig()
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.TokenBudget
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = def.HistoryTurns
	}
	if cfg.ComplexityWordThreshold <= 0 {
		cfg.ComplexityWordThreshold = def.ComplexityWordThreshold
	}
	if sink == nil {
		sink = observability.NopSink{}
	}
	logger = logging.OrNop(logger)
	return &Coordinator{
		client:     client,
		transport:  transport,
		sink:       sink,
		registry:   registry,
		planner:    plan.NewPlanner(client, cfg.Planner, logger),
		executor:   plan.NewExecutor(registry, cfg.Executor, logger),
		aggregator: plan.NewAggregator(client, logger),
		history:    newHistoryBook(cfg.HistoryTurns),
		logger:     logger,
		cfg:        cfg,
	}, nil
}

// ProcessBatch handles one promoted batch end to end.
func (c *Coordinator) ProcessBatch(ctx context.Context, req batch.Request) (batch.Outcome, error) {
	if len(req.Messages) == 0 {
		return batch.Outcome{}, fmt.Errorf("agent: batch %s has no messages", req.BatchID)
	}
	first := req.Messages[0]
	acc := observability.NewTraceAccumulator(req.TraceID)

	if c.transport != nil {
		if err := c.transport.Typing(ctx, first.OriginalContext); err != nil {
			c.logger.Debug("agent: typing indicator failed: %v", err)
		}
	}

	text := llm.TrimToTokenBudget(req.CombinedText, c.cfg.TokenBudget)
	c.emitEvent(ctx, req, "processing", acc)

	var (
		reply     string
		delegated bool
		err       error
	)
	if c.isComplex(text) {
		acc.Mark("route", map[string]any{"mode": "planned"})
		reply, delegated, err = c.runPlanned(ctx, req, text, acc)
	} else {
		acc.Mark("route", map[string]any{"mode": "chat"})
		reply, err = c.runChat(ctx, req, text, acc)
	}
	if err != nil {
		c.emitEvent(ctx, req, "failed", acc)
		return batch.Outcome{}, err
	}

	c.history.Append(req.ActorID,
		ports.Message{Role: "user", Content: text},
		ports.Message{Role: "assistant", Content: reply},
	)
	c.emitEvent(ctx, req, "completed", acc)

	if delegated {
		return batch.Outcome{Delegated: true}, nil
	}
	return batch.Outcome{Reply: reply}, nil
}

// runChat answers the batch with a single completion over the actor's
// transcript window.
func (c *Coordinator) runChat(ctx context.Context, req batch.Request, text string, acc *observability.TraceAccumulator) (string, error) {
	messages := []ports.Message{{Role: "system", Content: c.cfg.SystemPrompt}}
	messages = append(messages, c.history.Get(req.ActorID)...)
	messages = append(messages, ports.Message{Role: "user", Content: text})

	resp, err := c.client.Complete(ctx, ports.CompletionRequest{
		Messages:    messages,
		Temperature: 0.5,
	})
	if err != nil {
		return "", fmt.Errorf("agent: chat completion: %w", err)
	}
	acc.Mark("chat_completed", map[string]any{"tokens": resp.Usage.TotalTokens})
	return resp.Content, nil
}

// runPlanned drives the full pipeline: plan, execute with live progress
// edits, aggregate. The final response replaces the progress message, so
// the batch engine must not deliver a second copy.
func (c *Coordinator) runPlanned(ctx context.Context, req batch.Request, text string, acc *observability.TraceAccumulator) (reply string, delegated bool, err error) {
	var progressRef ports.MessageRef
	haveProgress := false
	if c.transport != nil {
		ref, sendErr := c.transport.Send(ctx, req.Messages[0].OriginalContext, "Working on it...")
		if sendErr != nil {
			c.logger.Warn("agent: progress message failed: %v", sendErr)
		} else {
			progressRef = ref
			haveProgress = true
		}
	}

	p, err := c.planner.CreatePlan(ctx, text)
	if err != nil {
		return "", false, fmt.Errorf("agent: create plan: %w", err)
	}
	p = plan.OptimizePlan(p)
	acc.Mark("planned", map[string]any{"steps": len(p.Steps), "summary": p.Summary})

	total := len(p.Steps)
	done := 0
	onProgress := func(stepID, phase string, _ *plan.WorkerResult) {
		switch phase {
		case "completed", "failed", "skipped":
			done++
		default:
			return
		}
		if haveProgress {
			status := fmt.Sprintf("Working on it... (%d/%d steps)", done, total)
			if editErr := c.transport.Edit(ctx, progressRef, status); editErr != nil {
				c.logger.Debug("agent: progress edit failed: %v", editErr)
			}
		}
	}

	planContext := c.planContext(req.ActorID)
	res, err := c.executor.ExecutePlan(ctx, p, planContext, req.TraceID, onProgress)
	if err != nil {
		return "", false, fmt.Errorf("agent: execute plan: %w", err)
	}
	acc.Mark("executed", map[string]any{
		"succeeded": len(res.SuccessfulSteps),
		"failed":    len(res.FailedSteps),
		"skipped":   len(res.SkippedSteps),
	})

	agg, err := c.aggregator.Aggregate(ctx, p, res)
	if err != nil {
		return "", false, fmt.Errorf("agent: aggregate: %w", err)
	}
	acc.Mark("aggregated", map[string]any{"findings": len(plan.ExtractKeyFindings(agg))})

	if haveProgress {
		if editErr := c.transport.Edit(ctx, progressRef, agg.Response); editErr != nil {
			// Edit lost; let the engine deliver a fresh message instead.
			c.logger.Warn("agent: final edit failed, falling back to send: %v", editErr)
			return agg.Response, false, nil
		}
		return agg.Response, true, nil
	}
	return agg.Response, false, nil
}

// planContext condenses the recent transcript into background for workers.
func (c *Coordinator) planContext(actorID string) string {
	turns := c.history.Get(actorID)
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	for _, m := range turns {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return llm.TrimToTokenBudget(b.String(), c.cfg.TokenBudget/2)
}

var numberedLine = regexp.MustCompile(`^\d+[.)]\s`)

// isComplex decides whether a request needs multi-step orchestration.
// Deterministic on purpose: same text, same route.
func (c *Coordinator) isComplex(text string) bool {
	if len(strings.Fields(text)) >= c.cfg.ComplexityWordThreshold {
		return true
	}
	lower := strings.ToLower(text)
	for _, marker := range []string{"step by step", "first,", " then ", "after that", "finally,", "compare ", "research "} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	listItems := 0
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") || numberedLine.MatchString(t) {
			listItems++
		}
	}
	return listItems >= 2
}

// ProcessControl executes a control command outside the batch pipeline.
func (c *Coordinator) ProcessControl(ctx context.Context, msg batch.PendingMessage) (string, error) {
	actorID := msg.ChatID
	if actorID == "" {
		actorID = msg.UserID
	}
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return "", fmt.Errorf("agent: empty control command")
	}
	cmd := strings.ToLower(fields[0])
	switch cmd {
	case "/clear", "/reset":
		c.history.Clear(actorID)
		c.logger.Info("agent: cleared conversation for actor %s", actorID)
		return "Conversation cleared.", nil
	case "/status":
		return fmt.Sprintf("Model: %s\nWorkers: %s\nHistory: %d messages",
			c.client.Model(),
			strings.Join(c.registry.Types(), ", "),
			len(c.history.Get(actorID)),
		), nil
	default:
		return fmt.Sprintf("Unknown command %q.", cmd), nil
	}
}

// emitEvent mirrors batch lifecycle to the observability sink without
// ever blocking or failing the caller.
func (c *Coordinator) emitEvent(ctx context.Context, req batch.Request, status string, acc *observability.TraceAccumulator) {
	update := ports.EventUpdate{
		EventID:       req.BatchID,
		Status:        status,
		CorrelationID: req.Messages[0].CorrelationID,
		Detail:        acc.Detail(),
	}
	go func() {
		if err := c.sink.UpsertEvent(context.WithoutCancel(ctx), update); err != nil {
			c.logger.Debug("agent: event upsert failed: %v", err)
		}
	}()
}
