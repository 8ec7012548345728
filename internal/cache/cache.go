package cache

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ScoreCache defines a generic interface for caching score tensors.
type ScoreCache interface {
	// Get retrieves scores from the cache.
	Get(key string) ([]float32, bool)
	// Put stores scores in the cache.
	Put(key string, scores []float32)
	// Size returns the number of items in the cache.
	Size() int
}

// Key derives a cache key from an encoded request.
func Key(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// MapCache is a simple in-memory implementation of ScoreCache. When full,
// Put evicts the oldest entry.
type MapCache struct {
	data       map[string][]float32
	order      []string
	maxEntries int
	mu         sync.RWMutex
}

// NewMapCache creates a cache holding at most maxEntries items (0 = unbounded).
func NewMapCache(maxEntries int) *MapCache {
	return &MapCache{
		data:       make(map[string][]float32),
		maxEntries: maxEntries,
	}
}

func (c *MapCache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[key]; ok {
		dst := make([]float32, len(v))
		copy(dst, v)
		return dst, true
	}
	return nil, false
}

func (c *MapCache) Put(key string, scores []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok {
		if c.maxEntries > 0 && len(c.data) >= c.maxEntries {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.data, oldest)
		}
		c.order = append(c.order, key)
	}

	// Store copy
	dst := make([]float32, len(scores))
	copy(dst, scores)
	c.data[key] = dst
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
