// Package queue provides a keyed priority queue that worker pools can block on.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue closed")

// Item is a single queued value. Lower Priority values are served first, and
// items of equal priority are served in insertion order.
type Item[T any] struct {
	Key      string
	Value    T
	Priority int
	seq      uint64
	index    int
}

type itemHeap[T any] []*Item[T]

func (h itemHeap[T]) Len() int { return len(h) }

func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap[T]) Push(x any) {
	item := x.(*Item[T])
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// PriorityQueue is a thread safe priority queue holding at most one item per key.
type PriorityQueue[T any] struct {
	mu     sync.Mutex
	heap   itemHeap[T]
	byKey  map[string]*Item[T]
	seq    uint64
	ready  chan struct{}
	done   chan struct{}
	closed bool
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	pq := &PriorityQueue[T]{
		byKey: make(map[string]*Item[T]),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	heap.Init(&pq.heap)
	return pq
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

// Enqueue adds value under key. If key is already queued its value is replaced,
// its priority is raised if the new one is better, and false is returned.
func (pq *PriorityQueue[T]) Enqueue(key string, value T, priority int) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.closed {
		return false
	}

	if existing, ok := pq.byKey[key]; ok {
		existing.Value = value
		if priority < existing.Priority {
			existing.Priority = priority
			heap.Fix(&pq.heap, existing.index)
		}
		return false
	}

	pq.seq++
	item := &Item[T]{Key: key, Value: value, Priority: priority, seq: pq.seq}
	heap.Push(&pq.heap, item)
	pq.byKey[key] = item
	pq.signal()
	return true
}

// Contains reports whether key is queued.
func (pq *PriorityQueue[T]) Contains(key string) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	_, ok := pq.byKey[key]
	return ok
}

// Remove drops key from the queue.
func (pq *PriorityQueue[T]) Remove(key string) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	item, ok := pq.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&pq.heap, item.index)
	delete(pq.byKey, key)
	return true
}

// Dequeue removes the best item without blocking.
func (pq *PriorityQueue[T]) Dequeue() (*Item[T], bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.popLocked()
}

// Pop blocks until an item is available, ctx is done or the queue is closed.
// Items still queued at Close are drained before ErrQueueClosed is returned.
func (pq *PriorityQueue[T]) Pop(ctx context.Context) (*Item[T], error) {
	for {
		pq.mu.Lock()
		item, ok := pq.popLocked()
		closed := pq.closed
		pq.mu.Unlock()

		if ok {
			return item, nil
		}
		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-pq.done:
		case <-pq.ready:
		}
	}
}

func (pq *PriorityQueue[T]) DequeueAll() []*Item[T] {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	items := make([]*Item[T], 0, pq.heap.Len())
	for {
		item, ok := pq.popLocked()
		if !ok {
			return items
		}
		items = append(items, item)
	}
}

// Close wakes every blocked Pop. Further Enqueue calls are dropped.
func (pq *PriorityQueue[T]) Close() {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if pq.closed {
		return
	}
	pq.closed = true
	close(pq.done)
}

func (pq *PriorityQueue[T]) popLocked() (*Item[T], bool) {
	if pq.heap.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&pq.heap).(*Item[T])
	delete(pq.byKey, item.Key)
	if pq.heap.Len() > 0 {
		// another waiter may be parked on the same signal
		pq.signal()
	}
	return item, true
}

func (pq *PriorityQueue[T]) signal() {
	select {
	case pq.ready <- struct{}{}:
	default:
	}
}
