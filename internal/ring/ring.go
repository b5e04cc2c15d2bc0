// Package ring provides a fixed-capacity buffer that overwrites its
// oldest entry once full.
package ring

import "sync"

// Buffer is a bounded FIFO safe for concurrent use.
type Buffer[T any] struct {
	mu    sync.RWMutex
	items []T
	next  int
	full  bool
}

// New creates a buffer holding at most capacity items (minimum 1).
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when full.
func (b *Buffer[T]) Push(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[b.next] = v
	b.next = (b.next + 1) % len(b.items)
	if b.next == 0 {
		b.full = true
	}
}

// Len returns the number of stored items.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.items)
	}
	return b.next
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int { return len(b.items) }

// Last returns up to limit of the most recent items, oldest first.
// limit <= 0 returns everything.
func (b *Buffer[T]) Last(limit int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.next
	start := 0
	if b.full {
		n = len(b.items)
		start = b.next
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]T, 0, limit)
	for i := n - limit; i < n; i++ {
		out = append(out, b.items[(start+i)%len(b.items)])
	}
	return out
}
