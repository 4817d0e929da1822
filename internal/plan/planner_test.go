package plan

import (
	"context"
	"testing"

	"convoy/internal/llm"
)

const wellFormedPlan = `{
  "summary": "Research and write a report",
  "estimatedComplexity": "medium",
  "steps": [
    {"id": "s1", "description": "Gather sources", "workerType": "research", "task": "find sources", "priority": 8},
    {"id": "s2", "description": "Write report", "workerType": "writing", "task": "write it", "dependsOn": ["s1"], "priority": 5}
  ]
}`

func TestCreatePlanParsesCleanJSON(t *testing.T) {
	client := &llm.MockClient{Responses: []string{wellFormedPlan}}
	p := NewPlanner(client, PlannerConfig{}, nil)

	plan, err := p.CreatePlan(context.Background(), "research then write")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if plan.TaskID == "" {
		t.Fatal("plan must get a task id")
	}
	if len(plan.Steps) != 2 || plan.Steps[1].DependsOn[0] != "s1" {
		t.Fatalf("steps = %+v", plan.Steps)
	}
	if plan.Summary != "Research and write a report" {
		t.Fatalf("summary = %q", plan.Summary)
	}
}

func TestCreatePlanExtractsFromFencedBlock(t *testing.T) {
	content := "Here is the plan you asked for:\n```json\n" + wellFormedPlan + "\n```\nLet me know if it works."
	client := &llm.MockClient{Responses: []string{content}}
	p := NewPlanner(client, PlannerConfig{}, nil)

	plan, err := p.CreatePlan(context.Background(), "request")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("steps = %+v", plan.Steps)
	}
}

func TestCreatePlanExtractsFromProse(t *testing.T) {
	content := "Sure! The plan is " + wellFormedPlan + " and that should cover it."
	client := &llm.MockClient{Responses: []string{content}}
	p := NewPlanner(client, PlannerConfig{}, nil)

	plan, err := p.CreatePlan(context.Background(), "request")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("steps = %+v", plan.Steps)
	}
}

func TestCreatePlanRepairsMalformedJSON(t *testing.T) {
	// Trailing comma and unclosed brace, the usual model damage.
	damaged := `{"summary": "s", "steps": [{"id": "s1", "workerType": "general", "task": "do it", "priority": 5,}]`
	client := &llm.MockClient{Responses: []string{damaged}}
	p := NewPlanner(client, PlannerConfig{}, nil)

	plan, err := p.CreatePlan(context.Background(), "request")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].ID != "s1" {
		t.Fatalf("steps = %+v", plan.Steps)
	}
}

func TestCreatePlanFallsBackOnGarbage(t *testing.T) {
	client := &llm.MockClient{Responses: []string{"I cannot produce a plan right now."}}
	p := NewPlanner(client, PlannerConfig{}, nil)

	plan, err := p.CreatePlan(context.Background(), "do the thing\nwith details")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].ID != "step_main" {
		t.Fatalf("fallback plan = %+v", plan.Steps)
	}
	if plan.Steps[0].Task != "do the thing\nwith details" {
		t.Fatalf("fallback task = %q", plan.Steps[0].Task)
	}
	if plan.Summary != "do the thing" {
		t.Fatalf("fallback summary = %q", plan.Summary)
	}
}

func TestCreatePlanFallsBackOnInvalidGraph(t *testing.T) {
	cyclic := `{"summary": "s", "steps": [
		{"id": "a", "workerType": "general", "task": "t", "dependsOn": ["b"]},
		{"id": "b", "workerType": "general", "task": "t", "dependsOn": ["a"]}
	]}`
	client := &llm.MockClient{Responses: []string{cyclic}}
	p := NewPlanner(client, PlannerConfig{}, nil)

	plan, err := p.CreatePlan(context.Background(), "request")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].ID != "step_main" {
		t.Fatalf("cyclic plan must fall back, got %+v", plan.Steps)
	}
}

func TestCreatePlanPropagatesProviderError(t *testing.T) {
	client := &llm.MockClient{Err: context.DeadlineExceeded}
	p := NewPlanner(client, PlannerConfig{}, nil)

	if _, err := p.CreatePlan(context.Background(), "request"); err == nil {
		t.Fatal("provider errors must propagate so the batch retry policy applies")
	}
}

func TestCreatePlanTruncatesToMaxSteps(t *testing.T) {
	oversize := `{"summary": "s", "steps": [
		{"id": "s1", "workerType": "general", "task": "t"},
		{"id": "s2", "workerType": "general", "task": "t"},
		{"id": "s3", "workerType": "general", "task": "t", "dependsOn": ["s1"]},
		{"id": "s4", "workerType": "general", "task": "t", "dependsOn": ["s3"]}
	]}`
	client := &llm.MockClient{Responses: []string{oversize}}
	p := NewPlanner(client, PlannerConfig{MaxSteps: 3}, nil)

	plan, err := p.CreatePlan(context.Background(), "request")
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("steps = %+v", plan.Steps)
	}
	// s4 was dropped; nothing may still reference it, and s3's dep on s1
	// survives.
	if got := plan.Steps[2].DependsOn; len(got) != 1 || got[0] != "s1" {
		t.Fatalf("s3 deps = %v", got)
	}
}
