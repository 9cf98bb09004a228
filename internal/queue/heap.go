package queue

import "time"

// priorityHeap is a container/heap.Interface ordering entries by
// effective score descending, ties broken by oldest enqueue time
// (spec §4.4 ordering rules).
type priorityHeap []*entry

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].item.EnqueuedAt.Before(h[j].item.EnqueuedAt)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// recomputeScores refreshes every entry's effective score against now
// before a dequeue decision. The queue is small enough (bounded by
// per-project admission caps) that an O(n) rescan per dequeue is
// cheap relative to the filesystem I/O the Dispatcher performs around
// it (spec §4.4 notes effective score depends on live wait time and
// fairness share, both of which move between dequeues).
func (h priorityHeap) recomputeScores(q *Queue, now time.Time) {
	for _, e := range h {
		e.score = q.effectiveScore(e.item, now)
	}
}
