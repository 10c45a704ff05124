package cache

import (
	"sync"
)

// Cache is a concurrency-safe keyed store used by the dispatch layer for
// variant selections and built kernels.
type Cache[K comparable, V any] interface {
	// Get retrieves a value from the cache.
	Get(key K) (V, bool)
	// Put stores a value in the cache.
	Put(key K, v V)
	// Size returns the number of items in the cache.
	Size() int
}

// Map is a simple in-memory implementation of Cache. Values are stored as
// given; callers cache immutable values or pointers they never mutate.
type Map[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		data: make(map[K]V),
	}
}

func (c *Map[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *Map[K, V]) Put(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = v
}

// GetOrCreate returns the cached value for key, calling create under the
// write lock when it is missing. A create error is returned and nothing is
// stored. loaded reports whether the value was already present.
func (c *Map[K, V]) GetOrCreate(key K, create func() (V, error)) (v V, loaded bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.data[key]; ok {
		return v, true, nil
	}
	v, err = create()
	if err != nil {
		return v, false, err
	}
	c.data[key] = v
	return v, false, nil
}

func (c *Map[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
