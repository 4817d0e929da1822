package plan

import "fmt"

// ValidationResult reports DAG problems as distinct human-readable errors.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ValidatePlanDependencies checks the dependency relation for unknown
// references, self-references, and cycles. It must run before grouping or
// execution; an invalid plan is never executed.
func ValidatePlanDependencies(p *ExecutionPlan) ValidationResult {
	var errs []string

	ids := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if ids[s.ID] {
			errs = append(errs, fmt.Sprintf("duplicate step id %q", s.ID))
		}
		ids[s.ID] = true
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				errs = append(errs, fmt.Sprintf("step %q depends on itself", s.ID))
				continue
			}
			if !ids[dep] {
				errs = append(errs, fmt.Sprintf("step %q depends on non-existent step %q", s.ID, dep))
			}
		}
	}

	// Cycle detection: depth-first traversal with a recursion-stack set.
	deps := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		deps[s.ID] = s.DependsOn
	}
	visited := make(map[string]bool, len(p.Steps))
	onStack := make(map[string]bool, len(p.Steps))

	var visit func(id string) bool
	visit = func(id string) bool {
		if onStack[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		onStack[id] = true
		for _, dep := range deps[id] {
			if dep == id || !ids[dep] {
				continue // already reported above
			}
			if visit(dep) {
				onStack[id] = false
				return true
			}
		}
		onStack[id] = false
		return false
	}

	cycleReported := false
	for _, s := range p.Steps {
		if !visited[s.ID] && visit(s.ID) && !cycleReported {
			errs = append(errs, fmt.Sprintf("plan contains circular dependencies (detected at step %q)", s.ID))
			cycleReported = true
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
