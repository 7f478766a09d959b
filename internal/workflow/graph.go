package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the validated dependency graph of a workflow's phases.
// Construction rejects unknown dependency references, cycles, and phases
// unreachable from a root. All query methods are read-only and safe for
// concurrent use.
type Graph struct {
	phases  map[string]*PhaseDefinition
	order   []string            // deterministic topological order
	levels  map[int][]string    // level -> phase ids, level 0 = roots
	deps    map[string][]string // phase -> its dependencies
	revDeps map[string][]string // phase -> its dependents
}

// NewGraph builds and validates the dependency graph for the given phases.
func NewGraph(phases []PhaseDefinition) (*Graph, error) {
	g := &Graph{
		phases:  make(map[string]*PhaseDefinition, len(phases)),
		deps:    make(map[string][]string, len(phases)),
		revDeps: make(map[string][]string, len(phases)),
		levels:  make(map[int][]string),
	}
	for i := range phases {
		p := &phases[i]
		g.phases[p.ID] = p
	}

	inDegree := make(map[string]int, len(phases))
	for _, p := range phases {
		inDegree[p.ID] = 0
	}
	for _, p := range phases {
		seen := make(map[string]bool, len(p.DependsOn))
		for _, dep := range p.DependsOn {
			if seen[dep] {
				continue // deduplicate
			}
			seen[dep] = true
			if _, ok := g.phases[dep]; !ok {
				return nil, fmt.Errorf("phase %q depends on unknown phase %q", p.ID, dep)
			}
			if dep == p.ID {
				return nil, fmt.Errorf("phase %q depends on itself", p.ID)
			}
			g.deps[p.ID] = append(g.deps[p.ID], dep)
			g.revDeps[dep] = append(g.revDeps[dep], p.ID)
			inDegree[p.ID]++
		}
	}

	// Kahn's algorithm with phase id tiebreaker for determinism.
	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	degrees := make(map[string]int, len(inDegree))
	for id, deg := range inDegree {
		degrees[id] = deg
	}
	level := make(map[string]int, len(phases))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		g.order = append(g.order, current)

		var newReady []string
		for _, dependent := range g.revDeps[current] {
			if level[dependent] < level[current]+1 {
				level[dependent] = level[current] + 1
			}
			degrees[dependent]--
			if degrees[dependent] == 0 {
				newReady = append(newReady, dependent)
			}
		}
		if len(newReady) > 0 {
			queue = append(queue, newReady...)
			sort.Strings(queue)
		}
	}

	if len(g.order) != len(phases) {
		var cycle []string
		for id, deg := range degrees {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, fmt.Errorf("cycle detected involving phases: %s", strings.Join(cycle, ", "))
	}

	for _, id := range g.order {
		g.levels[level[id]] = append(g.levels[level[id]], id)
	}
	for _, ids := range g.levels {
		sort.Strings(ids)
	}

	return g, nil
}

// TopoOrder returns the deterministic topological order of phase ids.
func (g *Graph) TopoOrder() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Levels returns the parallelism levels: level 0 holds dependency-free
// phases, level N phases depend only on levels < N.
func (g *Graph) Levels() map[int][]string {
	out := make(map[int][]string, len(g.levels))
	for lvl, ids := range g.levels {
		cp := make([]string, len(ids))
		copy(cp, ids)
		out[lvl] = cp
	}
	return out
}

// Dependencies returns the direct dependencies of a phase.
func (g *Graph) Dependencies(id string) []string {
	out := make([]string, len(g.deps[id]))
	copy(out, g.deps[id])
	return out
}

// Ready returns the phases whose dependencies are all in completed and that
// are not themselves completed, in topological order.
func (g *Graph) Ready(completed map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if completed[id] {
			continue
		}
		if g.satisfied(id, completed) {
			ready = append(ready, id)
		}
	}
	return ready
}

// ReadyPerUnit returns the per-unit phases ready for one unit: a per-unit
// phase is ready iff every dependency is satisfied either in the unit's
// completed set (per-unit deps) or the job's global completed set (global
// deps), and the phase itself is not in the unit's completed set.
func (g *Graph) ReadyPerUnit(unitCompleted, globalCompleted map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		p := g.phases[id]
		if !p.PerUnit || unitCompleted[id] {
			continue
		}
		ok := true
		for _, dep := range g.deps[id] {
			if g.phases[dep].PerUnit {
				if !unitCompleted[dep] {
					ok = false
					break
				}
			} else if !globalCompleted[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// satisfied reports whether every dependency of id is in completed.
func (g *Graph) satisfied(id string, completed map[string]bool) bool {
	for _, dep := range g.deps[id] {
		if !completed[dep] {
			return false
		}
	}
	return true
}
