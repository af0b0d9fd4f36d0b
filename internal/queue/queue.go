// Package queue orders transfer work by priority.
package queue

import (
	"container/heap"
	"sync"
)

type item[T any] struct {
	value    T
	priority int
	seq      uint64
}

// itemHeap is a min-heap on priority, FIFO among equal priorities.
type itemHeap[T any] []*item[T]

func (h itemHeap[T]) Len() int { return len(h) }

func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap[T]) Push(x any) {
	*h = append(*h, x.(*item[T]))
}

func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// PriorityQueue is a thread-safe priority queue. Lower priority values dequeue
// first; values with the same priority dequeue in insertion order.
type PriorityQueue[T any] struct {
	heap itemHeap[T]
	seq  uint64
	mu   sync.Mutex
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{heap: make(itemHeap[T], 0)}
}

// NewPriorityQueueFrom enqueues every value using priorityFn.
func NewPriorityQueueFrom[T any](values []T, priorityFn func(T) int) *PriorityQueue[T] {
	pq := NewPriorityQueue[T]()
	for _, v := range values {
		pq.Enqueue(v, priorityFn(v))
	}
	return pq
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

func (pq *PriorityQueue[T]) Enqueue(value T, priority int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	pq.seq++
	heap.Push(&pq.heap, &item[T]{value: value, priority: priority, seq: pq.seq})
}

// Dequeue removes the next value. ok is false when the queue is empty.
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&pq.heap).(*item[T]).value, true
}

// DequeueAll drains the queue in order.
func (pq *PriorityQueue[T]) DequeueAll() []T {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	out := make([]T, 0, pq.heap.Len())
	for pq.heap.Len() > 0 {
		out = append(out, heap.Pop(&pq.heap).(*item[T]).value)
	}
	return out
}
