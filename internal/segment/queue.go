package segment

import "errors"

// ErrQueueFull is returned by Push when a bounded queue is at its limit.
var ErrQueueFull = errors.New("segment: queue full")

// Queue is a FIFO of pending segments. The zero value is an unbounded queue.
type Queue[T any] struct {
	items []T
	head  int
	limit int
}

// NewQueue creates a queue holding at most limit items (0 = unbounded)
func NewQueue[T any](limit int) *Queue[T] {
	return &Queue[T]{limit: limit}
}

// Push appends item to the back of the queue
func (q *Queue[T]) Push(item T) error {
	if q.limit > 0 && q.Len() >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, item)
	return nil
}

// Pop removes and returns the front item
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 32 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	return len(q.items) - q.head
}

// Discard drops every queued item and returns how many were dropped
func (q *Queue[T]) Discard() int {
	n := q.Len()
	q.items = nil
	q.head = 0
	return n
}
