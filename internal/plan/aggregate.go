package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"convoy/internal/logging"
	"convoy/internal/ports"
)

// Aggregator merges step outputs into one response. LLM synthesis is
// attempted first; the deterministic QuickAggregate path guarantees a
// bounded, always-available output that depends on no external service.
type Aggregator struct {
	client ports.LLMClient
	logger logging.Logger
}

// NewAggregator builds an aggregator. client may be nil, in which case
// every aggregation takes the deterministic path.
func NewAggregator(client ports.LLMClient, logger logging.Logger) *Aggregator {
	return &Aggregator{client: client, logger: logging.OrNop(logger)}
}

const aggregateSystemPrompt = `You are a result synthesizer. Combine the outputs of completed task steps into one coherent, well-organized response for the user. Do not mention step ids or internal mechanics. If some steps failed, weave the available results together and note gaps briefly.`

// Aggregate synthesizes successful step outputs into one narrative,
// falling back to QuickAggregate on provider error.
func (a *Aggregator) Aggregate(ctx context.Context, p *ExecutionPlan, res *ExecutionResult) (*AggregationResult, error) {
	fallback := a.QuickAggregate(p, res)
	if a.client == nil || len(fallback.StepOutputs) == 0 {
		return fallback, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", p.Summary)
	for _, step := range p.Steps {
		r, ok := res.Results[step.ID]
		if !ok || !r.Success {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", step.Description, r.Data)
	}
	if len(fallback.Errors) > 0 {
		b.WriteString("Failed steps:\n")
		for _, e := range fallback.Errors {
			fmt.Fprintf(&b, "- %s: %s\n", e.StepID, e.Error)
		}
	}

	resp, err := a.client.Complete(ctx, ports.CompletionRequest{
		Messages: []ports.Message{
			{Role: "system", Content: aggregateSystemPrompt},
			{Role: "user", Content: b.String()},
		},
		Temperature: 0.3,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		a.logger.Warn("aggregator: synthesis failed, using deterministic fallback: %v", err)
		return fallback, nil
	}

	out := *fallback
	out.Response = resp.Content
	return &out, nil
}

// QuickAggregate is the deterministic fallback: successful outputs in
// original step order under their descriptions, failures listed with
// error text, and summary counts.
func (a *Aggregator) QuickAggregate(p *ExecutionPlan, res *ExecutionResult) *AggregationResult {
	out := &AggregationResult{
		Summary: AggregationSummary{
			TotalSteps:      len(p.Steps),
			SuccessCount:    len(res.SuccessfulSteps),
			FailureCount:    len(res.FailedSteps),
			SkippedCount:    len(res.SkippedSteps),
			TotalDurationMs: res.TotalDurationMs,
		},
	}

	var b strings.Builder
	for _, step := range p.Steps {
		r, ok := res.Results[step.ID]
		if !ok {
			continue
		}
		if r.Success {
			fmt.Fprintf(&b, "**%s**\n%s\n\n", step.Description, r.Data)
			out.StepOutputs = append(out.StepOutputs, StepOutput{StepID: step.ID, Success: true, Output: r.Data})
		} else {
			out.StepOutputs = append(out.StepOutputs, StepOutput{StepID: step.ID, Success: false, Output: r.Error})
			out.Errors = append(out.Errors, StepError{StepID: step.ID, Error: r.Error})
		}
	}
	if len(out.Errors) > 0 {
		b.WriteString("Some steps did not complete:\n")
		for _, e := range out.Errors {
			fmt.Fprintf(&b, "- %s\n", e.Error)
		}
	}
	if b.Len() == 0 {
		b.WriteString("No step produced output.")
	}
	out.Response = strings.TrimSpace(b.String())
	return out
}

// ExtractKeyFindings pulls up to five bullet-style findings from the
// aggregated step outputs: an explicit "findings" array on structured
// output wins, otherwise bullet lines from free text.
func ExtractKeyFindings(result *AggregationResult) []string {
	var findings []string
	add := func(s string) bool {
		s = strings.TrimSpace(s)
		if s == "" {
			return len(findings) < 5
		}
		findings = append(findings, s)
		return len(findings) < 5
	}

	for _, so := range result.StepOutputs {
		if !so.Success {
			continue
		}
		var structured struct {
			Findings []string `json:"findings"`
		}
		if err := json.Unmarshal([]byte(so.Output), &structured); err == nil && len(structured.Findings) > 0 {
			for _, f := range structured.Findings {
				if !add(f) {
					return findings
				}
			}
			continue
		}
		for _, line := range strings.Split(so.Output, "\n") {
			trimmed := strings.TrimSpace(line)
			for _, prefix := range []string{"- ", "* ", "• "} {
				if strings.HasPrefix(trimmed, prefix) {
					if !add(strings.TrimPrefix(trimmed, prefix)) {
						return findings
					}
					break
				}
			}
		}
	}
	return findings
}
