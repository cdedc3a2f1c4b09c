package graph

import (
	"fmt"
	"slices"
	"sort"
)

// Plan is a validated step graph. It is immutable once built.
type Plan struct {
	steps   map[string]StepDef
	levelOf map[string]int
	levels  [][]string
	order   []string
}

// Build validates the definition and assigns every step a level: zero when it
// has no dependencies, otherwise one more than its deepest dependency.
// A cycle is reported here, before anything is executed.
func Build(defs map[string]StepDef) (*Plan, error) {
	if len(defs) == 0 {
		return nil, ErrEmptyGraph
	}

	steps := make(map[string]StepDef, len(defs))
	for id, def := range defs {
		if id == "" {
			return nil, &InvalidStepError{StepID: id, Reason: "empty step id"}
		}
		if def.ID != "" && def.ID != id {
			return nil, &InvalidStepError{StepID: id, Reason: fmt.Sprintf("id field %q does not match key", def.ID)}
		}
		if def.Service == "" {
			return nil, &InvalidStepError{StepID: id, Reason: "service is required"}
		}
		if def.Operation == "" {
			return nil, &InvalidStepError{StepID: id, Reason: "operation is required"}
		}
		s := def.Clone()
		s.ID = id
		steps[id] = s
	}

	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	var selfLoops []string
	for id, s := range steps {
		seen := make(map[string]struct{}, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			switch {
			case dep == id:
				selfLoops = append(selfLoops, id)
				continue
			case !contains(steps, dep):
				return nil, &InvalidDependencyError{StepID: id, DependsOn: dep, Reason: "unknown step"}
			}
			if _, dup := seen[dep]; dup {
				return nil, &InvalidDependencyError{StepID: id, DependsOn: dep, Reason: "listed more than once"}
			}
			seen[dep] = struct{}{}
			dependents[dep] = append(dependents[dep], id)
		}
		inDegree[id] = len(s.DependsOn)
	}
	// A step depending on itself is a one-member cycle. gonum graphs reject
	// self edges, so these are reported before the cycle search.
	if len(selfLoops) > 0 {
		sort.Strings(selfLoops)
		cycles := make([][]string, 0, len(selfLoops))
		for _, id := range slices.Compact(selfLoops) {
			cycles = append(cycles, []string{id})
		}
		return nil, &CycleError{Cycles: cycles}
	}
	for _, ds := range dependents {
		sort.Strings(ds)
	}

	queue := make([]string, 0, len(steps))
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	levelOf := make(map[string]int, len(steps))
	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range dependents[id] {
			if lvl := levelOf[id] + 1; lvl > levelOf[next] {
				levelOf[next] = lvl
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) < len(steps) {
		return nil, &CycleError{Cycles: findCycles(steps)}
	}

	depth := 0
	for _, lvl := range levelOf {
		depth = max(depth, lvl)
	}
	levels := make([][]string, depth+1)
	for _, id := range order {
		levels[levelOf[id]] = append(levels[levelOf[id]], id)
	}
	for _, lvl := range levels {
		sort.Strings(lvl)
	}

	return &Plan{steps: steps, levelOf: levelOf, levels: levels, order: order}, nil
}

func contains(steps map[string]StepDef, id string) bool {
	_, ok := steps[id]
	return ok
}

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.steps) }

// Levels returns the step ids grouped by level, in ascending level order.
// Ids inside a level are sorted.
func (p *Plan) Levels() [][]string {
	out := make([][]string, len(p.levels))
	for i, lvl := range p.levels {
		out[i] = slices.Clone(lvl)
	}
	return out
}

// LevelOf returns the level assigned to a step.
func (p *Plan) LevelOf(id string) (int, bool) {
	lvl, ok := p.levelOf[id]
	return lvl, ok
}

// LevelMap returns a copy of the step id to level mapping.
func (p *Plan) LevelMap() map[string]int {
	out := make(map[string]int, len(p.levelOf))
	for id, lvl := range p.levelOf {
		out[id] = lvl
	}
	return out
}

// Order returns the order in which Kahn's algorithm emitted the steps.
func (p *Plan) Order() []string {
	return slices.Clone(p.order)
}

// Step returns a copy of a step definition.
func (p *Plan) Step(id string) (StepDef, bool) {
	s, ok := p.steps[id]
	if !ok {
		return StepDef{}, false
	}
	return s.Clone(), true
}

// StepIDs returns all step ids, sorted.
func (p *Plan) StepIDs() []string {
	ids := make([]string, 0, len(p.steps))
	for id := range p.steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Services returns the distinct services referenced by the plan, sorted.
func (p *Plan) Services() []string {
	set := make(map[string]struct{})
	for _, s := range p.steps {
		set[s.Service] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for svc := range set {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}
