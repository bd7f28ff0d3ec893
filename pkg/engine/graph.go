package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ChrisMoss87/crmflow/pkg/models"
)

// ValidationError carries the field-level messages produced by save-time
// validation. Definition errors never reach execution.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "workflow validation failed: " + strings.Join(e.Problems, "; ")
}

// Graph is the in-memory step graph built once per execution: an arena of
// steps indexed by id, default-next edges following step order, goto
// overrides resolved at build time, and parallel groups keyed by branch id
// with a convergence step beyond the whole group.
type Graph struct {
	steps   map[int64]*models.WorkflowStep
	next    map[int64]int64 // default next step id, 0 = terminal
	groups  map[string][]*models.WorkflowStep
	heads   map[int64]string // step id -> branch id, set only on group heads
	entryID int64
}

// BuildGraph constructs and validates the graph for a workflow's steps.
// Steps are ordered by their order value; the minimum-order step is the
// entry. An empty step list yields a graph with no entry.
func BuildGraph(steps []models.WorkflowStep) (*Graph, error) {
	g := &Graph{
		steps:  make(map[int64]*models.WorkflowStep, len(steps)),
		next:   make(map[int64]int64, len(steps)),
		groups: make(map[string][]*models.WorkflowStep),
		heads:  make(map[int64]string),
	}
	if len(steps) == 0 {
		return g, nil
	}

	ordered := make([]models.WorkflowStep, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	var problems []string
	for i := range ordered {
		s := &ordered[i]
		if _, dup := g.steps[s.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate step id %d", s.ID))
		}
		g.steps[s.ID] = s
	}

	// Group parallel runs: consecutive steps sharing a branch id with
	// is_parallel set execute concurrently and converge on the first step
	// past the group.
	type unit struct {
		branch string // "" for a single step
		member []*models.WorkflowStep
	}
	var units []unit
	for i := 0; i < len(ordered); i++ {
		s := &ordered[i]
		if s.InParallelGroup() {
			branch := *s.BranchID
			if len(units) > 0 && units[len(units)-1].branch == branch {
				units[len(units)-1].member = append(units[len(units)-1].member, s)
				continue
			}
			units = append(units, unit{branch: branch, member: []*models.WorkflowStep{s}})
			continue
		}
		units = append(units, unit{member: []*models.WorkflowStep{s}})
	}

	// A branch id names exactly one group: steps sharing it must be
	// consecutive, or the later run would shadow the earlier one.
	seenBranch := map[string]bool{}
	for _, u := range units {
		if u.branch == "" {
			continue
		}
		if seenBranch[u.branch] {
			problems = append(problems, fmt.Sprintf("parallel branch %q is used by non-consecutive steps", u.branch))
		}
		seenBranch[u.branch] = true
	}

	// Duplicate orders are only allowed inside one parallel group.
	seenOrder := map[int]string{}
	for _, u := range units {
		for _, s := range u.member {
			if prev, ok := seenOrder[s.Order]; ok && (u.branch == "" || prev != u.branch) {
				problems = append(problems, fmt.Sprintf("duplicate step order %d outside a parallel group", s.Order))
			}
			seenOrder[s.Order] = u.branch
		}
	}

	g.entryID = units[0].member[0].ID
	for i, u := range units {
		var convergence int64
		if i+1 < len(units) {
			convergence = units[i+1].member[0].ID
		}
		if u.branch != "" {
			g.groups[u.branch] = u.member
			g.heads[u.member[0].ID] = u.branch
		}
		for _, s := range u.member {
			g.next[s.ID] = convergence
		}
	}

	// Goto references must land on an existing step in the same workflow.
	for _, s := range ordered {
		for name, ref := range map[string]*int64{"on_success_goto": s.OnSuccessGoto, "on_failure_goto": s.OnFailureGoto} {
			if ref == nil {
				continue
			}
			if _, ok := g.steps[*ref]; !ok {
				problems = append(problems, fmt.Sprintf("step %d %s references unknown step %d", s.ID, name, *ref))
			}
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	if cycle := g.findCycle(); cycle != "" {
		return nil, &ValidationError{Problems: []string{cycle}}
	}
	return g, nil
}

// Entry returns the entry step id, 0 when the graph is empty.
func (g *Graph) Entry() int64 { return g.entryID }

// Step returns the step for an id.
func (g *Graph) Step(id int64) *models.WorkflowStep { return g.steps[id] }

// Next returns the default next step id after the given step (for parallel
// members, the group's convergence step), 0 at the end of the graph.
func (g *Graph) Next(id int64) int64 { return g.next[id] }

// Group returns the parallel siblings when id is the head of a parallel
// group, nil otherwise.
func (g *Graph) Group(id int64) []*models.WorkflowStep {
	branch, ok := g.heads[id]
	if !ok {
		return nil
	}
	return g.groups[branch]
}

// findCycle walks every edge (default next, success goto, failure goto)
// reachable from the entry and reports the first cycle found.
func (g *Graph) findCycle() string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[int64]int, len(g.steps))

	var visit func(id int64) string
	visit = func(id int64) string {
		if id == 0 || state[id] == done {
			return ""
		}
		if state[id] == inStack {
			return fmt.Sprintf("cycle detected through step %d", id)
		}
		state[id] = inStack
		s := g.steps[id]
		edges := []int64{g.next[id]}
		if s.OnSuccessGoto != nil {
			edges = append(edges, *s.OnSuccessGoto)
		}
		if s.OnFailureGoto != nil {
			edges = append(edges, *s.OnFailureGoto)
		}
		for _, e := range edges {
			if msg := visit(e); msg != "" {
				return msg
			}
		}
		state[id] = done
		return ""
	}
	return visit(g.entryID)
}
