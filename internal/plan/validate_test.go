package plan

import (
	"strings"
	"testing"
)

func steps(ss ...PlanStep) *ExecutionPlan {
	return &ExecutionPlan{TaskID: "t1", Steps: ss}
}

func TestValidateAcceptsDiamond(t *testing.T) {
	p := steps(
		PlanStep{ID: "a"},
		PlanStep{ID: "b", DependsOn: []string{"a"}},
		PlanStep{ID: "c", DependsOn: []string{"a"}},
		PlanStep{ID: "d", DependsOn: []string{"b", "c"}},
	)
	v := ValidatePlanDependencies(p)
	if !v.Valid {
		t.Fatalf("diamond should be valid, errors: %v", v.Errors)
	}
}

func TestValidateRejectsSelfDependency(t *testing.T) {
	p := steps(PlanStep{ID: "a", DependsOn: []string{"a"}})
	v := ValidatePlanDependencies(p)
	if v.Valid {
		t.Fatal("self-dependency must be invalid")
	}
	if len(v.Errors) != 1 || v.Errors[0] != `step "a" depends on itself` {
		t.Fatalf("errors = %v", v.Errors)
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	p := steps(PlanStep{ID: "a", DependsOn: []string{"ghost"}})
	v := ValidatePlanDependencies(p)
	if v.Valid {
		t.Fatal("unknown dependency must be invalid")
	}
	if v.Errors[0] != `step "a" depends on non-existent step "ghost"` {
		t.Fatalf("errors = %v", v.Errors)
	}
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	p := steps(PlanStep{ID: "a"}, PlanStep{ID: "a"})
	v := ValidatePlanDependencies(p)
	if v.Valid {
		t.Fatal("duplicate ids must be invalid")
	}
	if !strings.Contains(v.Errors[0], `duplicate step id "a"`) {
		t.Fatalf("errors = %v", v.Errors)
	}
}

func TestValidateDetectsCycle(t *testing.T) {
	p := steps(
		PlanStep{ID: "a", DependsOn: []string{"c"}},
		PlanStep{ID: "b", DependsOn: []string{"a"}},
		PlanStep{ID: "c", DependsOn: []string{"b"}},
	)
	v := ValidatePlanDependencies(p)
	if v.Valid {
		t.Fatal("cycle must be invalid")
	}
	found := false
	for _, e := range v.Errors {
		if strings.Contains(e, "circular dependencies") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no cycle error in %v", v.Errors)
	}
}

func TestValidateReportsCycleOnce(t *testing.T) {
	p := steps(
		PlanStep{ID: "a", DependsOn: []string{"b"}},
		PlanStep{ID: "b", DependsOn: []string{"a"}},
		PlanStep{ID: "c", DependsOn: []string{"d"}},
		PlanStep{ID: "d", DependsOn: []string{"c"}},
	)
	v := ValidatePlanDependencies(p)
	count := 0
	for _, e := range v.Errors {
		if strings.Contains(e, "circular dependencies") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("cycle reported %d times, want once: %v", count, v.Errors)
	}
}

func TestValidateEmptyPlanIsValid(t *testing.T) {
	if v := ValidatePlanDependencies(steps()); !v.Valid {
		t.Fatalf("empty plan should validate, errors: %v", v.Errors)
	}
}
