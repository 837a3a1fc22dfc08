package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/rulez/internal/rules"
)

// Warning levels.
const (
	LevelWarning = "warning"
	LevelInfo    = "info"
)

// CycleWarning represents a group of rules that can keep enabling each other.
//
// Cycles are warnings, not errors: the engine bounds every pass and stops a
// repeating one with a NonTerminatingError. They may also be intentional,
// for example a toggle that is only ever driven from outside.
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["rule-a", "rule-b", "rule-a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles performs static cycle analysis on rb.
//
// It builds a graph with an edge A → B when firing A can make B's
// preconditions hold: A asserts a fact B requires true, or retracts a fact B
// requires false. Tarjan's algorithm finds the strongly connected components;
// each component of two or more rules is reported.
//
// A component containing an ExecOnce rule is reported at LevelInfo because
// that rule stops the loop after one round. Self-edges are ignored: a rule
// cannot re-enable itself, since Enabled requires that firing changes the
// state.
//
// Warnings are ordered by the lowest rule index in each component. A DAG
// returns an empty list.
func AnalyzeCycles(rb *rules.RuleBase) []CycleWarning {
	graph := buildEnableGraph(rb)
	sccs := tarjanSCC(graph)

	warnings := []CycleWarning{}
	for _, scc := range sccs {
		if len(scc) < 2 {
			continue
		}
		warnings = append(warnings, cycleSCCToWarning(rb, scc, graph))
	}
	return warnings
}

// enableGraph maps rule index → indexes of the rules it can enable, ascending.
type enableGraph [][]int

func buildEnableGraph(rb *rules.RuleBase) enableGraph {
	n := rb.RuleCount()
	graph := make(enableGraph, n)
	for a := 0; a < n; a++ {
		set, unset := rb.Rule(a).Writes()
		for b := 0; b < n; b++ {
			if a == b {
				continue
			}
			target := rb.Rule(b)
			if set&target.RequiredTrue != 0 || unset&target.RequiredFalse != 0 {
				graph[a] = append(graph[a], b)
			}
		}
	}
	return graph
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Nodes are visited in index order, so the output is deterministic. Each
// SCC is returned sorted ascending, and SCCs are sorted by their first node.
func tarjanSCC(graph enableGraph) [][]int {
	var (
		index   = 0
		stack   []int
		indices = make([]int, len(graph))
		lowlink = make([]int, len(graph))
		onStack = make([]bool, len(graph))
		sccs    [][]int
	)
	for i := range indices {
		indices[i] = -1
	}

	var strongConnect func(int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if indices[w] < 0 {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root: pop its component
		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	for node := range graph {
		if indices[node] < 0 {
			strongConnect(node)
		}
	}

	slices.SortFunc(sccs, func(a, b []int) int { return a[0] - b[0] })
	return sccs
}

func cycleSCCToWarning(rb *rules.RuleBase, scc []int, graph enableGraph) CycleWarning {
	path := reconstructCyclePath(scc, graph)
	names := make([]string, len(path))
	for i, idx := range path {
		names[i] = rb.Rule(idx).Name
	}

	level := LevelWarning
	for _, idx := range scc {
		if rb.Rule(idx).Execution == rules.ExecOnce {
			level = LevelInfo
			break
		}
	}

	return CycleWarning{
		Path:    names,
		Message: fmt.Sprintf("rules can re-enable each other: %s", strings.Join(names, " → ")),
		Level:   level,
	}
}

// reconstructCyclePath walks edges inside the SCC from its first node until
// it returns to it.
func reconstructCyclePath(scc []int, graph enableGraph) []int {
	if len(scc) == 0 {
		return []int{}
	}

	inSCC := make(map[int]bool, len(scc))
	for _, node := range scc {
		inSCC[node] = true
	}

	start := scc[0]
	current := start
	path := []int{current}
	visited := make(map[int]bool)

	for {
		visited[current] = true

		next := -1
		for _, neighbor := range graph[current] {
			if inSCC[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}
		if next < 0 {
			break
		}

		path = append(path, next)
		if next == start {
			break
		}
		current = next
	}

	return path
}
