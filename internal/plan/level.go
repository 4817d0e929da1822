package plan

import "sort"

// stepDepth computes the memoized dependency depth of a step: 0 for steps
// with no dependencies, otherwise 1 + the max depth among them. Unknown
// dependencies contribute depth -1 so they do not inflate the result; the
// validator has already rejected such plans before execution.
func stepDepth(id string, deps map[string][]string, memo map[string]int) int {
	if d, ok := memo[id]; ok {
		return d
	}
	// Guard against cycles: mark in progress so re-entry terminates.
	memo[id] = 0
	depth := 0
	for _, dep := range deps[id] {
		if _, known := deps[dep]; !known {
			continue
		}
		if d := stepDepth(dep, deps, memo) + 1; d > depth {
			depth = d
		}
	}
	memo[id] = depth
	return depth
}

// GroupStepsByLevel partitions steps into ordered dependency levels: level
// N holds every step whose longest dependency chain has length N. Within a
// level, steps sort by priority descending with original order breaking
// ties. The parallel executor dispatches in this order.
func GroupStepsByLevel(steps []PlanStep) [][]PlanStep {
	if len(steps) == 0 {
		return nil
	}
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}
	memo := make(map[string]int, len(steps))

	type indexed struct {
		step  PlanStep
		order int
		depth int
	}
	maxDepth := 0
	annotated := make([]indexed, len(steps))
	for i, s := range steps {
		d := stepDepth(s.ID, deps, memo)
		annotated[i] = indexed{step: s, order: i, depth: d}
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]indexed, maxDepth+1)
	for _, a := range annotated {
		levels[a.depth] = append(levels[a.depth], a)
	}

	out := make([][]PlanStep, 0, len(levels))
	for _, level := range levels {
		if len(level) == 0 {
			continue
		}
		sort.SliceStable(level, func(i, j int) bool {
			if level[i].step.Priority != level[j].step.Priority {
				return level[i].step.Priority > level[j].step.Priority
			}
			return level[i].order < level[j].order
		})
		group := make([]PlanStep, len(level))
		for i, a := range level {
			group[i] = a.step
		}
		out = append(out, group)
	}
	return out
}

// OptimizePlan returns a copy of the plan with each step's priority
// lowered by its dependency depth, so shallow foundational steps win under
// resource contention. The original plan is untouched.
func OptimizePlan(p *ExecutionPlan) *ExecutionPlan {
	out := p.Clone()
	deps := make(map[string][]string, len(out.Steps))
	for _, s := range out.Steps {
		deps[s.ID] = s.DependsOn
	}
	memo := make(map[string]int, len(out.Steps))
	for i := range out.Steps {
		out.Steps[i].Priority -= stepDepth(out.Steps[i].ID, deps, memo)
	}
	return out
}
