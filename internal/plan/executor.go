package plan

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"convoy/internal/logging"
	"convoy/internal/observability"
)

// ExecutorConfig controls parallel plan execution.
type ExecutorConfig struct {
	// MaxParallel bounds concurrent step dispatches within a level.
	MaxParallel int
	// ContinueOnError keeps scheduling later levels after a failure,
	// skipping only the failed step's dependents. When false, no new
	// level starts after a level with failures; in-flight steps finish.
	ContinueOnError bool
}

// DefaultExecutorConfig returns production defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{MaxParallel: 3}
}

// Executor runs a validated plan level by level, honoring dependency
// failure propagation.
type Executor struct {
	dispatcher WorkerDispatcher
	cfg        ExecutorConfig
	logger     logging.Logger
	tracer     trace.Tracer
}

// NewExecutor builds an executor dispatching through the given registry or
// dispatcher.
func NewExecutor(dispatcher WorkerDispatcher, cfg ExecutorConfig, logger logging.Logger) *Executor {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultExecutorConfig().MaxParallel
	}
	return &Executor{
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		tracer:     otel.Tracer("convoy/plan"),
	}
}

// ExecutePlan validates and runs the plan. Levels execute strictly in
// order; all steps of level N finish (or are determined skipped) before
// level N+1 dispatches. A step whose dependency failed or was skipped is
// marked skipped without dispatching, transitively.
func (e *Executor) ExecutePlan(ctx context.Context, p *ExecutionPlan, planContext, traceID string, onProgress ProgressFunc) (*ExecutionResult, error) {
	if v := ValidatePlanDependencies(p); !v.Valid {
		return nil, fmt.Errorf("execute plan: invalid plan: %s", strings.Join(v.Errors, "; "))
	}
	if onProgress == nil {
		onProgress = func(string, string, *WorkerResult) {}
	}

	ctx, span := e.tracer.Start(ctx, "plan.execute", trace.WithAttributes(
		attribute.String("plan.task_id", p.TaskID),
		attribute.Int("plan.steps", len(p.Steps)),
	))
	defer span.End()

	started := time.Now()
	levels := GroupStepsByLevel(p.Steps)

	var mu sync.Mutex
	results := make(map[string]WorkerResult, len(p.Steps))
	failed := make(map[string]bool)
	skipped := make(map[string]bool)

	for levelIdx, level := range levels {
		var runnable []PlanStep
		for _, step := range level {
			if blockedBy := e.blockedDependency(step, failed, skipped); blockedBy != "" {
				mu.Lock()
				skipped[step.ID] = true
				mu.Unlock()
				e.logger.Info("plan: skipping step %s (dependency %s failed or was skipped)", step.ID, blockedBy)
				observability.PlanSteps.WithLabelValues("skipped").Inc()
				onProgress(step.ID, "skipped", nil)
				continue
			}
			runnable = append(runnable, step)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.MaxParallel)
		for _, step := range runnable {
			step := step
			g.Go(func() error {
				res := e.runStep(gctx, p, step, planContext, traceID, results, &mu, onProgress)
				mu.Lock()
				results[step.ID] = res
				if !res.Success {
					failed[step.ID] = true
				}
				mu.Unlock()
				// Step failures propagate through the failed set, not
				// through the group error: in-flight siblings finish.
				return nil
			})
		}
		_ = g.Wait()

		mu.Lock()
		levelFailed := false
		for _, step := range level {
			if failed[step.ID] {
				levelFailed = true
				break
			}
		}
		mu.Unlock()
		if levelFailed && !e.cfg.ContinueOnError {
			e.logger.Warn("plan: stopping after level %d failure (continueOnError=false)", levelIdx)
			break
		}
	}

	return e.buildResult(p, results, skipped, time.Since(started)), nil
}

// blockedDependency returns the id of the first failed or skipped
// dependency, or "".
func (e *Executor) blockedDependency(step PlanStep, failed, skipped map[string]bool) string {
	for _, dep := range step.DependsOn {
		if failed[dep] || skipped[dep] {
			return dep
		}
	}
	return ""
}

func (e *Executor) runStep(ctx context.Context, p *ExecutionPlan, step PlanStep, planContext, traceID string, results map[string]WorkerResult, mu *sync.Mutex, onProgress ProgressFunc) WorkerResult {
	ctx, span := e.tracer.Start(ctx, "plan.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.worker_type", step.WorkerType),
	))
	defer span.End()

	onProgress(step.ID, "started", nil)
	stepStart := time.Now()

	depResults := make(map[string]WorkerResult, len(step.DependsOn))
	mu.Lock()
	for _, dep := range step.DependsOn {
		if r, ok := results[dep]; ok {
			depResults[dep] = r
		}
	}
	mu.Unlock()

	res, err := e.dispatcher.Dispatch(ctx, DispatchRequest{
		Step:              step,
		DependencyResults: depResults,
		Context:           planContext,
		TraceID:           traceID,
	})
	elapsed := time.Since(stepStart)
	observability.StepDuration.WithLabelValues(step.WorkerType).Observe(elapsed.Seconds())

	if err != nil {
		res = WorkerResult{StepID: step.ID, Success: false, Error: err.Error()}
	}
	res.StepID = step.ID
	if res.DurationMs == 0 {
		res.DurationMs = durationMs(elapsed)
	}

	if res.Success {
		observability.PlanSteps.WithLabelValues("completed").Inc()
		onProgress(step.ID, "completed", &res)
	} else {
		e.logger.Warn("plan: step %s failed: %s", step.ID, res.Error)
		observability.PlanSteps.WithLabelValues("failed").Inc()
		onProgress(step.ID, "failed", &res)
	}
	return res
}

func (e *Executor) buildResult(p *ExecutionPlan, results map[string]WorkerResult, skipped map[string]bool, elapsed time.Duration) *ExecutionResult {
	out := &ExecutionResult{
		Results:         results,
		TotalDurationMs: durationMs(elapsed),
	}
	for _, step := range p.Steps {
		switch {
		case skipped[step.ID]:
			out.SkippedSteps = append(out.SkippedSteps, step.ID)
		default:
			r, ok := results[step.ID]
			switch {
			case ok && r.Success:
				out.SuccessfulSteps = append(out.SuccessfulSteps, step.ID)
			case ok:
				out.FailedSteps = append(out.FailedSteps, step.ID)
			default:
				// Never dispatched: a later level abandoned by
				// continueOnError=false.
				out.SkippedSteps = append(out.SkippedSteps, step.ID)
			}
		}
	}
	out.AllSucceeded = len(out.FailedSteps) == 0 && len(out.SkippedSteps) == 0
	return out
}
