package queue

import "container/heap"

// queueItem wraps a job for ordering inside the pending heap.
//
// Ordering key: priority descending, then CreatedAt ascending (FIFO within a
// priority class), then insertion sequence as a deterministic final
// tie-break. This gives strict precedence across classes and
// starvation-freedom within one.
type queueItem struct {
	job *Job
	seq uint64
}

// priorityHeap implements heap.Interface over queueItems.
type priorityHeap []*queueItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority > b.job.Priority
	}
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push adds an item. Called by heap.Push; do not call directly.
func (h *priorityHeap) Push(x any) {
	*h = append(*h, x.(*queueItem))
}

// Pop removes and returns the last item. Called by heap.Pop; do not call directly.
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return it
}

func pushItem(h *priorityHeap, it *queueItem) { heap.Push(h, it) }

func popItem(h *priorityHeap) *queueItem {
	return heap.Pop(h).(*queueItem)
}
