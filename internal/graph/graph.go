// Package graph builds the dependency graph over parsed issues and
// answers scheduling queries: ready sets, topological order, execution
// waves, and cycle detection.
package graph

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alekspetrov/llp/internal/issues"
	"github.com/alekspetrov/llp/internal/logging"
)

// BrokenRef records a dependency reference to an id that exists neither
// in the active set nor in the completed set. Broken refs never become
// edges; they neither block nor participate in sorting.
type BrokenRef struct {
	IssueID string
	Ref     string
	Section string // "blocked_by" or "blocks"
}

// CycleError reports a dependency cycle found during topological sort.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// Graph holds issues keyed by id with forward and reverse adjacency sets.
type Graph struct {
	issues     map[string]*issues.Issue
	blockedBy  map[string]map[string]bool // id -> ids it waits on
	blocks     map[string]map[string]bool // id -> ids waiting on it
	brokenRefs []BrokenRef
}

// FromIssues builds the graph. Blockers already in completed are
// satisfied and not retained as edges; self-loops are dropped. The
// "Blocks" declarations are folded into the same edge set, so the
// reverse adjacency is always the exact transpose of the forward one.
func FromIssues(list []*issues.Issue, completed map[string]bool) *Graph {
	g := &Graph{
		issues:    make(map[string]*issues.Issue, len(list)),
		blockedBy: make(map[string]map[string]bool),
		blocks:    make(map[string]map[string]bool),
	}

	log := logging.WithComponent("graph")

	for _, issue := range list {
		g.issues[issue.ID] = issue
	}

	for _, issue := range list {
		for _, blocker := range issue.BlockedBy {
			g.addEdge(log, completed, issue.ID, blocker, "blocked_by")
		}
		for _, dependent := range issue.Blocks {
			// X blocks Y means Y is blocked by X.
			g.addEdge(log, completed, dependent, issue.ID, "blocks")
		}
	}

	return g
}

// addEdge records "id waits on blocker", skipping self-loops, satisfied
// blockers, and references to unknown ids.
func (g *Graph) addEdge(log *slog.Logger, completed map[string]bool, id, blocker, section string) {
	if id == blocker {
		log.Warn("Ignoring self-referencing dependency", slog.String("issue", id))
		return
	}
	if completed[blocker] || completed[id] {
		return
	}
	source := id
	if section == "blocks" {
		source = blocker
	}
	if _, ok := g.issues[id]; !ok {
		log.Warn("Broken dependency reference",
			slog.String("issue", source),
			slog.String("ref", id),
		)
		g.brokenRefs = append(g.brokenRefs, BrokenRef{IssueID: source, Ref: id, Section: section})
		return
	}
	if _, ok := g.issues[blocker]; !ok {
		log.Warn("Broken dependency reference",
			slog.String("issue", source),
			slog.String("ref", blocker),
		)
		g.brokenRefs = append(g.brokenRefs, BrokenRef{IssueID: source, Ref: blocker, Section: section})
		return
	}

	if g.blockedBy[id] == nil {
		g.blockedBy[id] = make(map[string]bool)
	}
	if g.blocks[blocker] == nil {
		g.blocks[blocker] = make(map[string]bool)
	}
	g.blockedBy[id][blocker] = true
	g.blocks[blocker][id] = true
}

// Len returns the number of issues in the graph.
func (g *Graph) Len() int {
	return len(g.issues)
}

// Issue returns the issue for id, or nil.
func (g *Graph) Issue(id string) *issues.Issue {
	return g.issues[id]
}

// BrokenRefs returns a copy of the broken references found at build time.
func (g *Graph) BrokenRefs() []BrokenRef {
	out := make([]BrokenRef, len(g.brokenRefs))
	copy(out, g.brokenRefs)
	return out
}

// BlockingIssues returns the blockers of id not yet completed, sorted.
func (g *Graph) BlockingIssues(id string, completed map[string]bool) []string {
	var out []string
	for blocker := range g.blockedBy[id] {
		if !completed[blocker] {
			out = append(out, blocker)
		}
	}
	sort.Strings(out)
	return out
}

// ReadyIssues returns issues whose unsatisfied-blocker count relative to
// completed is zero, sorted by priority tier then id. Issues already in
// the completed set are not returned.
func (g *Graph) ReadyIssues(completed map[string]bool) []*issues.Issue {
	var ready []*issues.Issue
	for id, issue := range g.issues {
		if completed[id] {
			continue
		}
		if len(g.BlockingIssues(id, completed)) == 0 {
			ready = append(ready, issue)
		}
	}
	issues.Sort(ready)
	return ready
}

// TopologicalSort orders all issues so every blocker precedes its
// dependents (Kahn's algorithm). Ties break by priority tier then id.
// A cycle yields a *CycleError naming it.
func (g *Graph) TopologicalSort() ([]*issues.Issue, error) {
	indegree := make(map[string]int, len(g.issues))
	for id := range g.issues {
		indegree[id] = len(g.blockedBy[id])
	}

	var ready []*issues.Issue
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, g.issues[id])
		}
	}
	issues.Sort(ready)

	order := make([]*issues.Issue, 0, len(g.issues))
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for dependent := range g.blocks[next.ID] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, g.issues[dependent])
			}
		}
		issues.Sort(ready)
	}

	if len(order) != len(g.issues) {
		cycles := g.DetectCycles()
		if len(cycles) > 0 {
			return nil, &CycleError{Cycle: cycles[0]}
		}
		// Unreachable unless adjacency is corrupted; keep the error honest.
		return nil, &CycleError{Cycle: remainingIDs(indegree)}
	}

	return order, nil
}

// ExecutionWaves groups issues into maximal parallel sets: each wave is
// the ready set after stripping all prior waves, ordered by priority
// then id. A cycle yields the waves built so far plus a *CycleError.
func (g *Graph) ExecutionWaves() ([][]*issues.Issue, error) {
	done := make(map[string]bool, len(g.issues))
	var waves [][]*issues.Issue

	for len(done) < len(g.issues) {
		wave := g.ReadyIssues(done)
		if len(wave) == 0 {
			cycles := g.DetectCycles()
			if len(cycles) > 0 {
				return waves, &CycleError{Cycle: cycles[0]}
			}
			return waves, &CycleError{Cycle: remainingSet(g.issues, done)}
		}
		for _, issue := range wave {
			done[issue.ID] = true
		}
		waves = append(waves, wave)
	}

	return waves, nil
}

// DetectCycles finds all back-edge cycles via tri-color DFS over the
// dependency edges. Each cycle is listed once, rotated so its smallest
// id comes first.
func (g *Graph) DetectCycles() [][]string {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // fully explored
	)

	color := make(map[string]int, len(g.issues))
	var path []string
	var cycles [][]string
	seen := map[string]bool{}

	ids := make([]string, 0, len(g.issues))
	for id := range g.issues {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		path = append(path, id)

		for _, dependent := range sortedKeys(g.blocks[id]) {
			switch color[dependent] {
			case white:
				visit(dependent)
			case gray:
				// Back edge: the cycle is the path suffix from dependent.
				for i, node := range path {
					if node == dependent {
						cycle := canonicalCycle(path[i:])
						key := strings.Join(cycle, ",")
						if !seen[key] {
							seen[key] = true
							cycles = append(cycles, cycle)
						}
						break
					}
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
	}

	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}

	return cycles
}

// canonicalCycle rotates a cycle so the smallest id is first.
func canonicalCycle(cycle []string) []string {
	min := 0
	for i, id := range cycle {
		if id < cycle[min] {
			min = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[min:]...)
	out = append(out, cycle[:min]...)
	return out
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func remainingIDs(indegree map[string]int) []string {
	var out []string
	for id, deg := range indegree {
		if deg > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func remainingSet(all map[string]*issues.Issue, done map[string]bool) []string {
	var out []string
	for id := range all {
		if !done[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
