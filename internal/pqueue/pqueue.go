// Package pqueue implements the ready-task priority queue: a binary heap
// ordered by (priority desc, scheduledAt asc).
package pqueue

import (
	"container/heap"
	"sync"
	"time"
)

// Item is what the queue orders. It deliberately carries only the ordering key
// and the task id; the task store stays the single owner of task state.
type Item struct {
	TaskID      string
	Priority    int
	ScheduledAt time.Time
}

// Queue is safe for concurrent use. The tick loop is the only pusher/popper,
// but monitoring reads the depth from other goroutines.
type Queue struct {
	mu    sync.Mutex
	items itemHeap
}

func New() *Queue { return &Queue{} }

// Push adds an item. Duplicate detection is the caller's job: the store only
// releases a task id once per pending->queued transition.
func (q *Queue) Push(it Item) {
	q.mu.Lock()
	heap.Push(&q.items, it)
	q.mu.Unlock()
}

// Pop removes and returns the most urgent item.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.items).(Item), true
}

// Peek returns the most urgent item without removing it.
func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type itemHeap []Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ScheduledAt.Before(h[j].ScheduledAt)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
