package dispatch

import "sync"

// ring is a bounded FIFO that drops its oldest item when full.
type ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	onDrop   func(T)
}

func newRing[T any](capacity int, onDrop func(T)) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		onDrop:   onDrop,
	}
}

// Push appends item, evicting the oldest item if the ring is full.
// It reports whether an item was evicted.
func (r *ring[T]) Push(item T) bool {
	r.mu.Lock()

	var (
		old     T
		dropped bool
	)
	if r.size == r.capacity {
		old = r.items[r.tail]
		var zero T
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
		dropped = true
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.mu.Unlock()

	if dropped && r.onDrop != nil {
		r.onDrop(old)
	}
	return dropped
}

// Pop removes and returns the oldest item.
func (r *ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	return item, true
}

// Clear discards every item and returns how many were discarded.
func (r *ring[T]) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.size
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.size, r.head, r.tail = 0, 0, 0
	return n
}

// Len returns the number of queued items.
func (r *ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *ring[T]) Cap() int {
	return r.capacity
}
