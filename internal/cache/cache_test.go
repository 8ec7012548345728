package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapCache(t *testing.T) {
	c := NewMapCache(2)

	scores := []float32{4, 0, 4}
	c.Put("a", scores)
	scores[0] = 99 // caller mutation must not leak into the cache

	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []float32{4, 0, 4}, got)

	got[1] = 42 // nor must mutation of a returned copy
	got, _ = c.Get("a")
	assert.Equal(t, []float32{4, 0, 4}, got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	c.Put("b", []float32{1})
	c.Put("b", []float32{2}) // overwrite does not evict
	assert.Equal(t, 2, c.Size())

	c.Put("c", []float32{3})
	assert.Equal(t, 2, c.Size())
	_, ok = c.Get("a")
	assert.False(t, ok, "oldest entry evicted")
	got, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, []float32{2}, got)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key([]byte("request")), Key([]byte("request")))
	assert.NotEqual(t, Key([]byte("request-1")), Key([]byte("request-2")))
}
