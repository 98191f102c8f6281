package txn

import (
	"fmt"
	"slices"
)

// dependencyGraph maps operation id -> ids it depends on.
type dependencyGraph map[string][]string

// Validate checks a transaction before anything runs: ids are non-empty and
// unique, every dependency names an operation of the transaction, every
// operation has a forward action, and the dependency graph is acyclic.
func Validate(tx Transaction) error {
	if len(tx.Operations) == 0 {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrEmptyTransaction)
	}

	graph := make(dependencyGraph, len(tx.Operations))
	order := make([]string, 0, len(tx.Operations))
	for _, op := range tx.Operations {
		if op.ID == "" {
			return fmt.Errorf("transaction %s: %w", tx.ID, ErrEmptyOperationID)
		}
		if _, dup := graph[op.ID]; dup {
			return fmt.Errorf("transaction %s: %w: %s", tx.ID, ErrDuplicateOperation, op.ID)
		}
		if op.Forward == nil {
			return fmt.Errorf("transaction %s: operation %s: %w", tx.ID, op.ID, ErrMissingAction)
		}
		graph[op.ID] = op.DependsOn
		order = append(order, op.ID)
	}

	for _, op := range tx.Operations {
		for _, dep := range op.DependsOn {
			if _, ok := graph[dep]; !ok {
				return fmt.Errorf("transaction %s: operation %s: %w: %s", tx.ID, op.ID, ErrUnknownDependency, dep)
			}
		}
	}

	for _, scc := range tarjanSCC(graph, order) {
		if len(scc) > 1 || slices.Contains(graph[scc[0]], scc[0]) {
			return &DependencyCycleError{TransactionID: tx.ID, Cycle: cyclePath(scc, graph)}
		}
	}
	return nil
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in the given order so results are deterministic.
// Single-node SCCs without self-loops are not cycles.
func tarjanSCC(graph dependencyGraph, order []string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root: pop its component.
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// cyclePath walks edges inside an SCC from its smallest id back to the
// start, e.g. [a b a].
func cyclePath(scc []string, graph dependencyGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}

	start := slices.Min(scc)
	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, w := range graph[current] {
			if w == start {
				return append(path, start)
			}
			if members[w] && !visited[w] && next == "" {
				next = w
			}
		}
		if next == "" {
			return append(path, start)
		}
		visited[next] = true
		path = append(path, next)
		current = next
	}
}
