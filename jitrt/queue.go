package jitrt

import "container/heap"

// queueItem pairs a task with the monotonic sequence number it was
// submitted at, so the heap can order strictly by (priority desc, seq
// asc) and give FIFO ordering within a priority level: higher
// priorities preempt only in queue order, never an in-flight task.
type queueItem struct {
	task *CompileTask
	seq  uint64
}

type taskHeap []queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}

	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(queueItem)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// priorityQueue is a bounded, FIFO-within-priority compile task deque
//. It is not safe for concurrent use on its own;
// Manager guards every call with its own mutex/condvar.
type priorityQueue struct {
	h        taskHeap
	capacity int
	nextSeq  uint64
}

func newPriorityQueue(capacity int) *priorityQueue {
	pq := &priorityQueue{capacity: capacity}
	heap.Init(&pq.h)

	return pq
}

func (pq *priorityQueue) len() int { return pq.h.Len() }

func (pq *priorityQueue) full() bool { return pq.capacity > 0 && pq.h.Len() >= pq.capacity }

func (pq *priorityQueue) push(t *CompileTask) {
	heap.Push(&pq.h, queueItem{task: t, seq: pq.nextSeq})
	pq.nextSeq++
}

func (pq *priorityQueue) pop() (*CompileTask, bool) {
	if pq.h.Len() == 0 {
		return nil, false
	}

	item := heap.Pop(&pq.h).(queueItem)

	return item.task, true
}
