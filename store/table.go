package store

import (
	"sync"
)

type table[T any] struct {
	mutex sync.RWMutex
	rows  map[string]T
}

func newTable[T any]() *table[T] {
	return &table[T]{
		rows: make(map[string]T),
	}
}

func (t *table[T]) Create(key string, value T) error {
	t.mutex.Lock()

	defer t.mutex.Unlock()

	if _, exists := t.rows[key]; exists {
		return ErrConflict
	}
	t.rows[key] = value
	return nil
}

func (t *table[T]) Read(key string) (T, error) {
	t.mutex.RLock()

	defer t.mutex.RUnlock()

	var zeroValue T
	value, exists := t.rows[key]
	if !exists {
		return zeroValue, ErrNotFound
	}
	return value, nil
}

// Collect returns view(value) for every key present, in key order, under the read lock.
func (t *table[T]) Collect(keys []string, view func(T) T) []T {
	t.mutex.RLock()

	defer t.mutex.RUnlock()

	values := make([]T, 0, len(keys))

	for _, key := range keys {
		if value, exists := t.rows[key]; exists {
			values = append(values, view(value))
		}
	}
	return values
}

// Upsert stores merge(current, exists) under key in one step.
func (t *table[T]) Upsert(key string, merge func(current T, exists bool) T) {
	t.mutex.Lock()

	defer t.mutex.Unlock()

	current, exists := t.rows[key]
	t.rows[key] = merge(current, exists)
}

// Modify runs fn on the stored value under the write lock and returns
// view(value) taken before the lock is released.
func (t *table[T]) Modify(key string, fn func(T) error, view func(T) T) (T, error) {
	t.mutex.Lock()

	defer t.mutex.Unlock()

	var zeroValue T
	value, exists := t.rows[key]
	if !exists {
		return zeroValue, ErrNotFound
	}
	if err := fn(value); err != nil {
		return zeroValue, err
	}
	return view(value), nil
}

func (t *table[T]) Filter(predicate func(T) bool, view func(T) T) []T {
	t.mutex.RLock()

	defer t.mutex.RUnlock()

	result := make([]T, 0)

	for _, value := range t.rows {
		if predicate(value) {
			result = append(result, view(value))
		}
	}
	return result
}
