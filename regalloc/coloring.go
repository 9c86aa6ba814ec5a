package regalloc

import "container/heap"

// buildInterference constructs the interference graph: two intervals
// interfere iff their [start,end] ranges overlap.
// This is the O(n^2) reference construction; an O(r log r)
// interval-tree construction would produce the same result and is
// left undone for this block size range (graph coloring only runs on
// blocks already above SmallBlockThreshold, which in practice bounds r
// to a few hundred).
func buildInterference(intervals []interval) map[int]map[int]bool {
	adj := make(map[int]map[int]bool, len(intervals))

	for i := range intervals {
		adj[i] = make(map[int]bool)
	}

	for i := 0; i < len(intervals); i++ {
		for j := i + 1; j < len(intervals); j++ {
			if overlaps(intervals[i], intervals[j]) {
				adj[i][j] = true
				adj[j][i] = true
			}
		}
	}

	return adj
}

func overlaps(a, b interval) bool {
	return a.start <= b.end && b.start <= a.end
}

// degreeItem is one entry of the simplify worklist's max-heap, ordered
// by current degree so the highest-degree node is always the spill
// candidate of last resort.
type degreeItem struct {
	idx    int
	degree int
}

type degreeHeap []degreeItem

func (h degreeHeap) Len() int            { return len(h) }
func (h degreeHeap) Less(i, j int) bool  { return h[i].degree > h[j].degree }
func (h degreeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *degreeHeap) Push(x interface{}) { *h = append(*h, x.(degreeItem)) }
func (h *degreeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// colorGraph runs the Chaitin-Briggs simplify/spill/color loop:
// repeatedly remove a node of degree < K, pushing it on
// a stack; when none exists, spill the highest-degree node; then pop
// the stack and color each node with any color its current neighbors
// don't already use, spilling if none remains.
func colorGraph(intervals []interval, numRegs int) Assignment {
	assign := make(Assignment, len(intervals))

	if len(intervals) == 0 {
		return assign
	}

	adj := buildInterference(intervals)
	removed := make([]bool, len(intervals))

	degree := make([]int, len(intervals))
	for i := range intervals {
		degree[i] = len(adj[i])
	}

	var stack []int

	remaining := len(intervals)
	nextSpillSlot := 0

	for remaining > 0 {
		progressed := false

		// Simplify: repeatedly remove any node of degree < K.
		for i := range intervals {
			if removed[i] || degree[i] >= numRegs {
				continue
			}

			removed[i] = true
			stack = append(stack, i)
			remaining--
			progressed = true

			for j := range adj[i] {
				if !removed[j] {
					degree[j]--
				}
			}
		}

		if progressed || remaining == 0 {
			continue
		}

		// No low-degree node exists: spill the highest-degree
		// remaining node per the Chaitin-Briggs worklist rule.
		h := &degreeHeap{}
		heap.Init(h)

		for i := range intervals {
			if !removed[i] {
				heap.Push(h, degreeItem{idx: i, degree: degree[i]})
			}
		}

		victim := heap.Pop(h).(degreeItem).idx
		removed[victim] = true
		remaining--

		for j := range adj[victim] {
			if !removed[j] {
				degree[j]--
			}
		}

		assign[intervals[victim].reg] = stackSlot(nextSpillSlot)
		nextSpillSlot += 8
	}

	// Pop and color: assign any color not used by a node's
	// already-colored neighbors.
	colorOf := make([]int, len(intervals))
	for i := range colorOf {
		colorOf[i] = -1
	}

	for i := len(stack) - 1; i >= 0; i-- {
		idx := stack[i]

		used := make([]bool, numRegs)
		for n := range adj[idx] {
			if c := colorOf[n]; c >= 0 {
				used[c] = true
			}
		}

		color := -1

		for c := 0; c < numRegs; c++ {
			if !used[c] {
				color = c

				break
			}
		}

		if color < 0 {
			// Optimistic coloring failed: no free color remains even
			// though simplify admitted this node at degree < K at the
			// time (its neighbors' colors weren't all known yet).
			// Spill rather than miscolor.
			assign[intervals[idx].reg] = stackSlot(nextSpillSlot)
			nextSpillSlot += 8

			continue
		}

		colorOf[idx] = color
		assign[intervals[idx].reg] = physReg(color)
	}

	return assign
}
