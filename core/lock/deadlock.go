package lock

import (
	"github.com/chiseldb/chiseldb/core/txn"
)

// waitsForGraph tracks which transactions are blocked on which. Edges run
// from the waiter to the holder it waits on. The graph is kept acyclic by
// construction: AddEdge refuses any edge that would close a cycle, which is
// exactly the deadlock signal.
//
// The graph has no locking of its own; the lock manager mutates it under
// its mutex.
type waitsForGraph struct {
	edges map[txn.TransactionID]map[txn.TransactionID]struct{}
}

func newWaitsForGraph() *waitsForGraph {
	return &waitsForGraph{
		edges: make(map[txn.TransactionID]map[txn.TransactionID]struct{}),
	}
}

// addEdge records that from waits on to. It reports false, without mutating
// the graph, when the edge would create a cycle. Self-edges and duplicates
// are ignored.
func (g *waitsForGraph) addEdge(from, to txn.TransactionID) bool {
	if from == to {
		return true
	}
	if _, ok := g.edges[from][to]; ok {
		return true
	}
	if g.reaches(to, from) {
		return false
	}
	if g.edges[from] == nil {
		g.edges[from] = make(map[txn.TransactionID]struct{})
	}
	g.edges[from][to] = struct{}{}
	return true
}

// reaches reports whether start can reach target over existing edges.
func (g *waitsForGraph) reaches(start, target txn.TransactionID) bool {
	if start == target {
		return true
	}
	seen := map[txn.TransactionID]struct{}{start: {}}
	frontier := []txn.TransactionID{start}
	for len(frontier) > 0 {
		node := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for next := range g.edges[node] {
			if next == target {
				return true
			}
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			frontier = append(frontier, next)
		}
	}
	return false
}

// removeOutgoing drops every edge originating at tid. Called when tid stops
// waiting, whether its lock was granted or its wait aborted.
func (g *waitsForGraph) removeOutgoing(tid txn.TransactionID) {
	delete(g.edges, tid)
}

// removeAll drops tid from the graph entirely, both as waiter and as
// holder. Called when tid finishes.
func (g *waitsForGraph) removeAll(tid txn.TransactionID) {
	delete(g.edges, tid)
	for from, targets := range g.edges {
		delete(targets, tid)
		if len(targets) == 0 {
			delete(g.edges, from)
		}
	}
}
