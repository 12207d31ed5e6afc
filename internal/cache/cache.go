package cache

import (
	"sync"
)

// ScoreCache defines a generic interface for caching per-text score rows.
type ScoreCache interface {
	// Get retrieves a score row from the cache.
	Get(text string) ([]float32, bool)
	// Put stores a score row in the cache.
	Put(text string, scores []float32)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of ScoreCache.
type MapCache struct {
	data map[string][]float32
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string][]float32),
	}
}

func (c *MapCache) Get(text string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[text]; ok {
		dst := make([]float32, len(v))
		copy(dst, v)
		return dst, true
	}
	return nil, false
}

func (c *MapCache) Put(text string, scores []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Store copy
	dst := make([]float32, len(scores))
	copy(dst, scores)
	c.data[text] = dst
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
