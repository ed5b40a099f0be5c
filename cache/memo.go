package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Memo holds one computed value for a TTL. Concurrent misses share a single
// computation, and a value computed across an Invalidate is discarded.
type Memo[T any] struct {
	ttl time.Duration
	now func() time.Time

	mu         sync.Mutex
	value      T
	computedAt time.Time
	valid      bool
	generation uint64

	group singleflight.Group
}

// NewMemo creates a memo with the given lifetime
func NewMemo[T any](ttl time.Duration) *Memo[T] {
	return &Memo[T]{ttl: ttl, now: time.Now}
}

// Peek returns the cached value if still fresh
func (m *Memo[T]) Peek() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.valid && m.now().Sub(m.computedAt) < m.ttl {
		return m.value, true
	}
	var zero T
	return zero, false
}

// Last returns the most recent value regardless of age
func (m *Memo[T]) Last() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, !m.computedAt.IsZero()
}

// GetOrCompute returns the fresh cached value or runs compute
func (m *Memo[T]) GetOrCompute(ctx context.Context, compute func(context.Context) (T, error)) (T, error) {
	if v, ok := m.Peek(); ok {
		return v, nil
	}

	m.mu.Lock()
	gen := m.generation
	m.mu.Unlock()

	v, err, _ := m.group.Do("memo", func() (interface{}, error) {
		v, err := compute(ctx)
		if err != nil {
			return v, err
		}
		m.Set(v, gen)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Set stores v if no invalidation happened since generation gen was read
func (m *Memo[T]) Set(v T, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.value = v
	m.computedAt = m.now()
	m.valid = true
}

// Invalidate drops the cached value
func (m *Memo[T]) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid = false
	m.generation++
}

type keyedEntry[T any] struct {
	value      T
	computedAt time.Time
}

// KeyedMemo is Memo per key
type KeyedMemo[T any] struct {
	ttl time.Duration
	now func() time.Time

	mu         sync.Mutex
	entries    map[string]keyedEntry[T]
	generation uint64

	group singleflight.Group
}

// NewKeyedMemo creates a keyed memo with the given lifetime
func NewKeyedMemo[T any](ttl time.Duration) *KeyedMemo[T] {
	return &KeyedMemo[T]{ttl: ttl, now: time.Now, entries: make(map[string]keyedEntry[T])}
}

// Peek returns the cached value for key if still fresh
func (k *KeyedMemo[T]) Peek(key string) (T, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if ok && k.now().Sub(e.computedAt) < k.ttl {
		return e.value, true
	}
	var zero T
	return zero, false
}

// Generation returns the invalidation counter to pass to Store
func (k *KeyedMemo[T]) Generation() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.generation
}

// Store caches v under key unless anything was invalidated since gen
func (k *KeyedMemo[T]) Store(key string, v T, gen uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if gen != k.generation {
		return
	}
	k.entries[key] = keyedEntry[T]{value: v, computedAt: k.now()}
}

// GetOrCompute returns the fresh value for key or runs compute once for all
// concurrent callers of the same key
func (k *KeyedMemo[T]) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (T, error)) (T, error) {
	if v, ok := k.Peek(key); ok {
		return v, nil
	}
	gen := k.Generation()

	v, err, _ := k.group.Do(key, func() (interface{}, error) {
		v, err := compute(ctx)
		if err != nil {
			return v, err
		}
		k.Store(key, v, gen)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Unchanged reports whether nothing was invalidated since gen
func (k *KeyedMemo[T]) Unchanged(gen uint64) bool {
	return k.Generation() == gen
}

// Invalidate drops the given keys
func (k *KeyedMemo[T]) Invalidate(keys ...string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range keys {
		delete(k.entries, key)
	}
	k.generation++
}

// InvalidateAll drops every key
func (k *KeyedMemo[T]) InvalidateAll() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries = make(map[string]keyedEntry[T])
	k.generation++
}

// Len reports the number of cached keys, fresh or not
func (k *KeyedMemo[T]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
