package resource

import (
	"sync"
)

// Table maps handles to values. Once sealed it only serves reads.
type Table[T any] struct {
	entries []T
	mu      sync.RWMutex
	sealed  bool
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make([]T, 0, 64)}
}

// Insert adds a value and returns its handle, or 0 once sealed.
func (t *Table[T]) Insert(value T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return 0
	}
	t.entries = append(t.entries, value)
	return Handle(len(t.entries))
}

// Get retrieves a value by handle.
func (t *Table[T]) Get(handle Handle) (T, bool) {
	var zero T
	if handle == 0 {
		return zero, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := handle - 1
	if int(idx) >= len(t.entries) {
		return zero, false
	}
	return t.entries[idx], true
}

// Seal stops the table accepting inserts.
func (t *Table[T]) Seal() {
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
}

// Len returns the number of entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Each iterates in handle order until fn returns false.
func (t *Table[T]) Each(fn func(Handle, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i, v := range t.entries {
		if !fn(Handle(i+1), v) {
			return
		}
	}
}
