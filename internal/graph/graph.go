package graph

import (
	"fmt"
	"sort"
)

// Graph holds forward and reverse adjacency over a fixed node set.
type Graph struct {
	ids   []string
	index map[string]int

	out   [][]int
	in    [][]int
	indeg []int
	seen  map[[2]int]struct{}
	edges int
}

// New builds a graph with no edges. ids must be unique.
func New(ids []string) (*Graph, error) {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	index := make(map[string]int, len(sorted))
	for i, id := range sorted {
		if _, exists := index[id]; exists {
			return nil, fmt.Errorf("graph: duplicate node %q", id)
		}
		index[id] = i
	}

	return &Graph{
		ids:   sorted,
		index: index,
		out:   make([][]int, len(sorted)),
		in:    make([][]int, len(sorted)),
		indeg: make([]int, len(sorted)),
		seen:  make(map[[2]int]struct{}),
	}, nil
}

// AddEdge records that to depends on from. Repeated edges are ignored and
// reported as false.
func (g *Graph) AddEdge(from, to string) (bool, error) {
	f, ok := g.index[from]
	if !ok {
		return false, fmt.Errorf("graph: unknown node %q", from)
	}
	t, ok := g.index[to]
	if !ok {
		return false, fmt.Errorf("graph: unknown node %q", to)
	}

	key := [2]int{f, t}
	if _, dup := g.seen[key]; dup {
		return false, nil
	}
	g.seen[key] = struct{}{}

	g.out[f] = insertSorted(g.out[f], t)
	g.in[t] = insertSorted(g.in[t], f)
	g.indeg[t]++
	g.edges++
	return true, nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.ids) }

// Edges returns the number of distinct edges.
func (g *Graph) Edges() int { return g.edges }

// IDs returns node ids in lexicographic order.
func (g *Graph) IDs() []string {
	out := make([]string, len(g.ids))
	copy(out, g.ids)
	return out
}

// Successors returns the ids that depend on id, sorted.
func (g *Graph) Successors(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.out[i])
}

// Predecessors returns the ids id depends on, sorted.
func (g *Graph) Predecessors(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.in[i])
}

// MaxFanIn returns the node with the most incoming edges. Ties resolve to the
// smallest id.
func (g *Graph) MaxFanIn() (string, int) {
	return g.maxOf(g.in)
}

// MaxFanOut returns the node with the most outgoing edges. Ties resolve to
// the smallest id.
func (g *Graph) MaxFanOut() (string, int) {
	return g.maxOf(g.out)
}

func (g *Graph) maxOf(adj [][]int) (string, int) {
	best, bestN := -1, -1
	for i, list := range adj {
		if len(list) > bestN {
			best, bestN = i, len(list)
		}
	}
	if best < 0 {
		return "", 0
	}
	return g.ids[best], bestN
}

func (g *Graph) names(idx []int) []string {
	if len(idx) == 0 {
		return []string{}
	}
	out := make([]string, len(idx))
	for i, v := range idx {
		out[i] = g.ids[v]
	}
	return out
}

func insertSorted(list []int, v int) []int {
	pos := sort.SearchInts(list, v)
	list = append(list, 0)
	copy(list[pos+1:], list[pos:])
	list[pos] = v
	return list
}
