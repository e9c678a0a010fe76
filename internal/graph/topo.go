package graph

import "container/heap"

// DefaultHeapThreshold is the node count above which the ready set switches
// from a sorted slice to a binary min-heap.
const DefaultHeapThreshold = 64

// readySet yields the smallest ready index first.
type readySet interface {
	push(int)
	pop() int
	len() int
}

type sortedReady struct{ items []int }

func (s *sortedReady) push(v int) { s.items = insertSorted(s.items, v) }
func (s *sortedReady) len() int   { return len(s.items) }
func (s *sortedReady) pop() int {
	v := s.items[0]
	s.items = s.items[1:]
	return v
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type heapReady struct{ h intMinHeap }

func (r *heapReady) push(v int) { heap.Push(&r.h, v) }
func (r *heapReady) pop() int   { return heap.Pop(&r.h).(int) }
func (r *heapReady) len() int   { return r.h.Len() }

// TopoOrder runs Kahn's algorithm with lexicographic tie-breaking. The
// returned bool is false when a cycle kept some nodes from being emitted; the
// order then holds only the acyclic prefix.
//
// heapThreshold selects the ready-set strategy. It never changes the result.
func (g *Graph) TopoOrder(heapThreshold int) ([]string, bool) {
	idx := g.topoIndices(heapThreshold)
	return g.names(idx), len(idx) == len(g.ids)
}

func (g *Graph) topoIndices(heapThreshold int) []int {
	if heapThreshold <= 0 {
		heapThreshold = DefaultHeapThreshold
	}

	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	var ready readySet
	if len(g.ids) > heapThreshold {
		ready = &heapReady{}
	} else {
		ready = &sortedReady{}
	}
	for i, d := range indeg {
		if d == 0 {
			ready.push(i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.len() > 0 {
		n := ready.pop()
		out = append(out, n)
		for _, m := range g.out[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready.push(m)
			}
		}
	}
	return out
}

// FindCycle returns one cycle as a closed id path (first id repeated at the
// end), or nil when the graph is acyclic. Only nodes Kahn's algorithm could
// not emit are searched, in index order, so the witness is stable.
func (g *Graph) FindCycle() []string {
	const (
		white = iota
		gray
		black
	)

	emitted := g.topoIndices(0)
	if len(emitted) == len(g.ids) {
		return nil
	}

	color := make([]int, len(g.ids))
	for _, i := range emitted {
		color[i] = black
	}
	parent := make([]int, len(g.ids))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range g.out[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				// back edge u -> v closes v ... u -> v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range g.ids {
		if color[i] == white && dfs(i) {
			break
		}
	}
	if len(cycle) == 0 {
		return nil
	}

	out := make([]string, len(cycle))
	for i := range cycle {
		out[i] = g.ids[cycle[len(cycle)-1-i]]
	}
	return out
}

// Levels assigns each node the length of the longest path reaching it, so
// roots are level 0. It must only be called on an acyclic graph. The second
// value is the depth: the number of nodes on the longest chain.
func (g *Graph) Levels() (map[string]int, int) {
	level := make([]int, len(g.ids))
	depth := 0
	for _, u := range g.topoIndices(0) {
		lv := 0
		for _, p := range g.in[u] {
			if cand := level[p] + 1; cand > lv {
				lv = cand
			}
		}
		level[u] = lv
		if lv+1 > depth {
			depth = lv + 1
		}
	}

	out := make(map[string]int, len(g.ids))
	for i, id := range g.ids {
		out[id] = level[i]
	}
	return out, depth
}

// Batches groups the ids of order by level, keeping their relative position
// in order within each batch. Every level below the maximum is non-empty
// because a node at level k always has a predecessor at level k-1.
func Batches(order []string, levels map[string]int) [][]string {
	if len(order) == 0 {
		return nil
	}
	maxLevel := 0
	for _, id := range order {
		if levels[id] > maxLevel {
			maxLevel = levels[id]
		}
	}
	out := make([][]string, maxLevel+1)
	for _, id := range order {
		lv := levels[id]
		out[lv] = append(out[lv], id)
	}
	return out
}
