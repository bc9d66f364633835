// Package ring provides a fixed-size circular buffer used for stderr tails,
// log history and the store's change log. It is not safe for concurrent use;
// callers hold their own lock.
package ring

// Buffer is a fixed-size circular buffer
type Buffer[T any] struct {
	items []T
	size  int
	head  int // Next write position
	count int
}

// New creates a buffer with the given capacity. A capacity below one is
// raised to one.
func New[T any](size int) *Buffer[T] {
	if size < 1 {
		size = 1
	}
	return &Buffer[T]{
		items: make([]T, size),
		size:  size,
	}
}

// Push adds an item, overwriting the oldest one when full
func (b *Buffer[T]) Push(item T) {
	b.items[b.head] = item
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Items returns all items, oldest first
func (b *Buffer[T]) Items() []T {
	return b.Last(b.count)
}

// Last returns up to n of the newest items, oldest first
func (b *Buffer[T]) Last(n int) []T {
	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]T, n)
	start := (b.head - n + b.size) % b.size
	for i := 0; i < n; i++ {
		result[i] = b.items[(start+i)%b.size]
	}
	return result
}

// Len returns the number of items in the buffer
func (b *Buffer[T]) Len() int {
	return b.count
}

// Clear removes all items
func (b *Buffer[T]) Clear() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.count = 0
}
