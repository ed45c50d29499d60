package utils

// -----------------------------------------------------------------------------
// RollingWindow is a fixed-capacity circular buffer read newest first.
// Adding to a full window evicts the oldest element.
// -----------------------------------------------------------------------------

type RollingWindow[T any] struct {
	data     []T
	capacity int
	index    int // Next write position
	size     int // Current number of elements
}

// -----------------------------------------------------------------------------

// NewRollingWindow creates a new window with fixed capacity
func NewRollingWindow[T any](capacity int) *RollingWindow[T] {
	if capacity <= 0 {
		capacity = 1
	}

	return &RollingWindow[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

// -----------------------------------------------------------------------------

// Add inserts v as the newest element
func (rw *RollingWindow[T]) Add(v T) {
	rw.data[rw.index] = v
	rw.index = (rw.index + 1) % rw.capacity

	// Update size (never exceeds capacity)
	if rw.size < rw.capacity {
		rw.size++
	}
}

// -----------------------------------------------------------------------------

// Get returns the element n steps back from the newest (0 = newest)
func (rw *RollingWindow[T]) Get(n int) (T, bool) {
	var zero T
	if n < 0 || n >= rw.size {
		return zero, false
	}
	idx := (rw.index - 1 - n + 2*rw.capacity) % rw.capacity
	return rw.data[idx], true
}

// -----------------------------------------------------------------------------

// Newest returns the most recently added element
func (rw *RollingWindow[T]) Newest() (T, bool) {
	return rw.Get(0)
}

// -----------------------------------------------------------------------------

// Oldest returns the element that will be evicted next once full
func (rw *RollingWindow[T]) Oldest() (T, bool) {
	return rw.Get(rw.size - 1)
}

// -----------------------------------------------------------------------------

// Items returns a copy of the contents, newest first
func (rw *RollingWindow[T]) Items() []T {
	result := make([]T, rw.size)
	for i := 0; i < rw.size; i++ {
		result[i], _ = rw.Get(i)
	}
	return result
}

// -----------------------------------------------------------------------------

// Len returns current number of elements
func (rw *RollingWindow[T]) Len() int {
	return rw.size
}

// -----------------------------------------------------------------------------

// Capacity returns window capacity (fixed)
func (rw *RollingWindow[T]) Capacity() int {
	return rw.capacity
}

// -----------------------------------------------------------------------------

// IsFull returns whether window is full
func (rw *RollingWindow[T]) IsFull() bool {
	return rw.size == rw.capacity
}

// -----------------------------------------------------------------------------

// Clear resets the window
func (rw *RollingWindow[T]) Clear() {
	var zero T
	for i := range rw.data {
		rw.data[i] = zero
	}
	rw.index = 0
	rw.size = 0
}
