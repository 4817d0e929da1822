package agent

import (
	"context"
	"fmt"
	"strings"

	"convoy/internal/logging"
	"convoy/internal/plan"
	"convoy/internal/ports"
)

// WorkerDefinition describes one LLM-backed worker type. Definitions are
// loaded from configuration so operators can add specialized workers
// without code changes.
type WorkerDefinition struct {
	Type         string  `yaml:"type" json:"type"`
	SystemPrompt string  `yaml:"systemPrompt" json:"systemPrompt"`
	Temperature  float64 `yaml:"temperature" json:"temperature"`
	MaxTokens    int     `yaml:"maxTokens" json:"maxTokens"`
}

// DefaultWorkerDefinitions returns the built-in worker set. "general" is
// also the registry fallback for unknown plan worker types.
func DefaultWorkerDefinitions() []WorkerDefinition {
	return []WorkerDefinition{
		{
			Type:         "general",
			SystemPrompt: "You are a capable assistant. Complete the given task directly and concisely.",
			Temperature:  0.4,
		},
		{
			Type:         "research",
			SystemPrompt: "You are a research assistant. Gather the relevant facts for the task and report them as short bullet points with no filler.",
			Temperature:  0.3,
		},
		{
			Type:         "analysis",
			SystemPrompt: "You are an analyst. Reason carefully over the provided inputs, state your conclusions, and note uncertainty where it exists.",
			Temperature:  0.2,
		},
		{
			Type:         "writing",
			SystemPrompt: "You are a writer. Produce polished prose for the task, matching any tone or format the task requests.",
			Temperature:  0.7,
		},
	}
}

// NewLLMWorker adapts one worker definition into a plan dispatcher. The
// prompt carries the shared plan context plus the outputs of the step's
// completed dependencies.
func NewLLMWorker(client ports.LLMClient, def WorkerDefinition, logger logging.Logger) plan.DispatcherFunc {
	logger = logging.OrNop(logger)
	return func(ctx context.Context, req plan.DispatchRequest) (plan.WorkerResult, error) {
		var b strings.Builder
		if req.Context != "" {
			fmt.Fprintf(&b, "Context:\n%s\n\n", req.Context)
		}
		if len(req.DependencyResults) > 0 {
			b.WriteString("Results from earlier steps:\n")
			for _, dep := range req.Step.DependsOn {
				r, ok := req.DependencyResults[dep]
				if !ok || !r.Success {
					continue
				}
				fmt.Fprintf(&b, "[%s]\n%s\n\n", dep, r.Data)
			}
		}
		fmt.Fprintf(&b, "Task: %s", req.Step.Task)
		if req.Step.ExpectedOutput != "" {
			fmt.Fprintf(&b, "\nExpected output: %s", req.Step.ExpectedOutput)
		}

		resp, err := client.Complete(ctx, ports.CompletionRequest{
			Messages: []ports.Message{
				{Role: "system", Content: def.SystemPrompt},
				{Role: "user", Content: b.String()},
			},
			Temperature: def.Temperature,
			MaxTokens:   def.MaxTokens,
		})
		if err != nil {
			return plan.WorkerResult{}, fmt.Errorf("worker %s: %w", def.Type, err)
		}
		logger.Debug("worker %s completed step %s (%d chars)", def.Type, req.Step.ID, len(resp.Content))
		return plan.WorkerResult{
			StepID:  req.Step.ID,
			Success: true,
			Data:    resp.Content,
		}, nil
	}
}

// RegisterWorkers wires every definition into the registry.
func RegisterWorkers(reg *plan.Registry, client ports.LLMClient, defs []WorkerDefinition, logger logging.Logger) error {
	for _, def := range defs {
		if strings.TrimSpace(def.Type) == "" {
			return fmt.Errorf("register workers: definition with empty type")
		}
		if def.SystemPrompt == "" {
			def.SystemPrompt = "You are a capable assistant. Complete the given task directly."
		}
		reg.Register(def.Type, NewLLMWorker(client, def, logger))
	}
	return nil
}
