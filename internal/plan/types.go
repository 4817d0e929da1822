package plan

import (
	"context"
	"time"
)

// PlanStep is one node of the execution DAG.
type PlanStep struct {
	ID             string   `json:"id"`
	Description    string   `json:"description"`
	WorkerType     string   `json:"workerType"`
	Task           string   `json:"task"`
	DependsOn      []string `json:"dependsOn,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	ExpectedOutput string   `json:"expectedOutput,omitempty"`
}

// ExecutionPlan is a validated DAG of work for a complex request.
type ExecutionPlan struct {
	TaskID              string     `json:"taskId"`
	Summary             string     `json:"summary"`
	Steps               []PlanStep `json:"steps"`
	EstimatedComplexity string     `json:"estimatedComplexity,omitempty"`
}

// Step returns the step with the given id.
func (p *ExecutionPlan) Step(id string) (PlanStep, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return PlanStep{}, false
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = make([]PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		out.Steps[i] = s
	}
	return &out
}

// WorkerResult is the immutable outcome of one executed step.
type WorkerResult struct {
	StepID     string `json:"stepId"`
	Success    bool   `json:"success"`
	Data       string `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ExecutionResult summarizes one plan run.
type ExecutionResult struct {
	Results         map[string]WorkerResult `json:"results"`
	SuccessfulSteps []string                `json:"successfulSteps"`
	FailedSteps     []string                `json:"failedSteps"`
	SkippedSteps    []string                `json:"skippedSteps"`
	TotalDurationMs int64                   `json:"totalDurationMs"`
	AllSucceeded    bool                    `json:"allSucceeded"`
}

// StepOutput pairs a step with its output text in aggregation.
type StepOutput struct {
	StepID  string `json:"stepId"`
	Success bool   `json:"success"`
	Output  string `json:"output"`
}

// StepError pairs a step with its error text in aggregation.
type StepError struct {
	StepID string `json:"stepId"`
	Error  string `json:"error"`
}

// AggregationSummary holds the counts reported with an aggregated response.
type AggregationSummary struct {
	TotalSteps      int   `json:"totalSteps"`
	SuccessCount    int   `json:"successCount"`
	FailureCount    int   `json:"failureCount"`
	SkippedCount    int   `json:"skippedCount"`
	TotalDurationMs int64 `json:"totalDurationMs"`
}

// AggregationResult is the final synthesized output of a plan run.
type AggregationResult struct {
	Response    string             `json:"response"`
	Summary     AggregationSummary `json:"summary"`
	StepOutputs []StepOutput       `json:"stepOutputs"`
	Errors      []StepError        `json:"errors,omitempty"`
}

// DispatchRequest carries everything a worker needs for one step.
type DispatchRequest struct {
	Step PlanStep
	// DependencyResults maps each dependency step id to its result.
	DependencyResults map[string]WorkerResult
	// Context is the free-form execution context shared by the plan run
	// (e.g. the original user request).
	Context string
	TraceID string
}

// WorkerDispatcher executes one step for a worker type.
type WorkerDispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (WorkerResult, error)
}

// DispatcherFunc adapts a function to the WorkerDispatcher interface.
type DispatcherFunc func(ctx context.Context, req DispatchRequest) (WorkerResult, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req DispatchRequest) (WorkerResult, error) {
	return f(ctx, req)
}

// ProgressFunc receives step lifecycle events: phase is one of "started",
// "completed", "failed", "skipped". result is nil for "started".
type ProgressFunc func(stepID, phase string, result *WorkerResult)

// durationMs converts an elapsed time to the wire unit used in results.
func durationMs(d time.Duration) int64 {
	return d.Milliseconds()
}
