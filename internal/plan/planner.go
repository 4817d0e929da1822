package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"convoy/internal/logging"
	"convoy/internal/observability"
	"convoy/internal/ports"
)

// PlannerConfig controls plan generation.
type PlannerConfig struct {
	// MaxSteps caps the plan size; steps beyond it are truncated in
	// original order.
	MaxSteps    int
	Temperature float64
}

// DefaultPlannerConfig returns production defaults.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{MaxSteps: 8, Temperature: 0.2}
}

// Planner turns a natural-language request into a validated execution
// plan, degrading to a trivial single-step plan rather than failing the
// request outright.
type Planner struct {
	client ports.LLMClient
	cfg    PlannerConfig
	logger logging.Logger
}

// NewPlanner builds a planner over the given provider.
func NewPlanner(client ports.LLMClient, cfg PlannerConfig, logger logging.Logger) *Planner {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultPlannerConfig().MaxSteps
	}
	return &Planner{client: client, cfg: cfg, logger: logging.OrNop(logger)}
}

const planSystemPrompt = `You are a task planner. Decompose the user's request into discrete steps with explicit dependencies.

Respond with a single JSON object:
{
  "summary": "<one-line task summary>",
  "estimatedComplexity": "low|medium|high",
  "steps": [
    {
      "id": "step_1",
      "description": "<what this step accomplishes>",
      "workerType": "<category: research|analysis|writing|coding|general>",
      "task": "<instructions for the worker>",
      "dependsOn": ["<ids of steps that must finish first>"],
      "priority": 5,
      "expectedOutput": "<what the step should produce>"
    }
  ]
}

Rules: step ids must be unique; dependsOn may only reference other step ids; no circular dependencies; at most %d steps; steps that can run concurrently must not depend on each other.`

// CreatePlan asks the provider for a step graph and validates it. Parse or
// validation failure falls back to a single-step plan.
func (pl *Planner) CreatePlan(ctx context.Context, request string) (*ExecutionPlan, error) {
	resp, err := pl.client.Complete(ctx, ports.CompletionRequest{
		Messages: []ports.Message{
			{Role: "system", Content: fmt.Sprintf(planSystemPrompt, pl.cfg.MaxSteps)},
			{Role: "user", Content: request},
		},
		Temperature: pl.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("planner: provider call failed: %w", err)
	}

	parsed, err := pl.parsePlanResponse(resp.Content)
	if err != nil {
		pl.logger.Warn("planner: %v; using single-step fallback", err)
		observability.PlanFallbacks.Inc()
		return pl.FallbackPlan(request), nil
	}

	parsed.TaskID = uuid.NewString()
	if parsed.Summary == "" {
		parsed.Summary = firstLine(request)
	}
	pl.truncate(parsed)

	if v := ValidatePlanDependencies(parsed); !v.Valid {
		pl.logger.Warn("planner: generated plan invalid (%s); using single-step fallback",
			strings.Join(v.Errors, "; "))
		observability.PlanFallbacks.Inc()
		return pl.FallbackPlan(request), nil
	}
	return parsed, nil
}

// FallbackPlan is the trivial single-step plan used when generation fails.
func (pl *Planner) FallbackPlan(request string) *ExecutionPlan {
	return &ExecutionPlan{
		TaskID:              uuid.NewString(),
		Summary:             firstLine(request),
		EstimatedComplexity: "low",
		Steps: []PlanStep{{
			ID:          "step_main",
			Description: "Handle the request directly",
			WorkerType:  "general",
			Task:        request,
			Priority:    5,
		}},
	}
}

// parsePlanResponse extracts the first well-formed JSON payload from the
// model output, tolerating surrounding prose and fenced code blocks.
func (pl *Planner) parsePlanResponse(content string) (*ExecutionPlan, error) {
	payload := extractJSONPayload(content)
	if payload == "" {
		return nil, fmt.Errorf("no JSON payload in plan response")
	}

	var parsed ExecutionPlan
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		// Model JSON is frequently slightly malformed; repair before
		// giving up.
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, fmt.Errorf("plan JSON unparseable: %v (repair: %v)", err, repairErr)
		}
		if err := json.Unmarshal([]byte(repaired), &parsed); err != nil {
			return nil, fmt.Errorf("plan JSON unparseable after repair: %w", err)
		}
	}
	if len(parsed.Steps) == 0 {
		return nil, fmt.Errorf("plan response contained no steps")
	}
	return &parsed, nil
}

// truncate drops steps past MaxSteps in original order and prunes
// dependencies on the dropped steps.
func (pl *Planner) truncate(p *ExecutionPlan) {
	if len(p.Steps) <= pl.cfg.MaxSteps {
		return
	}
	pl.logger.Info("planner: truncating plan from %d to %d steps", len(p.Steps), pl.cfg.MaxSteps)
	p.Steps = p.Steps[:pl.cfg.MaxSteps]
	kept := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		kept[s.ID] = true
	}
	for i := range p.Steps {
		var deps []string
		for _, dep := range p.Steps[i].DependsOn {
			if kept[dep] {
				deps = append(deps, dep)
			}
		}
		p.Steps[i].DependsOn = deps
	}
}

// extractJSONPayload returns the first balanced JSON object in content,
// preferring a fenced code block when one exists.
func extractJSONPayload(content string) string {
	if i := strings.Index(content, "```"); i >= 0 {
		rest := content[i+3:]
		// Skip an optional language tag on the fence line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			tag := strings.TrimSpace(rest[:nl])
			if tag == "" || len(tag) <= 10 && !strings.ContainsAny(tag, "{}") {
				rest = rest[nl+1:]
			}
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			if payload := firstJSONObject(rest[:j]); payload != "" {
				return payload
			}
		}
	}
	return firstJSONObject(content)
}

// firstJSONObject scans for the first brace-balanced object, ignoring
// braces inside string literals.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	// Unbalanced: return the tail and let jsonrepair close it.
	return s[start:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
