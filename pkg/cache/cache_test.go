package cache

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := New[int64]()

	created, err := c.Set("porch-1", 7)
	require.NoError(t, err)
	assert.True(t, created)

	v, ok := c.Get("porch-1")
	assert.True(t, ok)
	assert.Equal(t, int64(7), v)

	created, err = c.Set("porch-1", 9)
	require.NoError(t, err)
	assert.False(t, created, "overwrite should not report a new entry")

	v, _ = c.Get("porch-1")
	assert.Equal(t, int64(9), v)
}

func TestCache_GetMissing(t *testing.T) {
	c := New[string]()

	v, ok := c.Get("absent")
	assert.False(t, ok)
	assert.Empty(t, v)
}

func TestCache_Delete(t *testing.T) {
	c := New[int]()

	_, err := c.Set("a", 1)
	require.NoError(t, err)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_InvalidKeys(t *testing.T) {
	c := New[int]()

	_, err := c.Set("", 1)
	assert.Error(t, err)

	_, err = c.Set(strings.Repeat("k", maxKeyLength+1), 1)
	assert.Error(t, err)
}

func TestCache_Statistics(t *testing.T) {
	c := New[int]()

	_, err := c.Set("a", 1)
	require.NoError(t, err)

	c.Get("a")
	c.Get("a")
	c.Get("b")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits())
	assert.Equal(t, int64(1), stats.Misses())
	assert.Equal(t, int64(1), stats.Sets())
	assert.InDelta(t, 2.0/3.0, stats.HitRate(), 0.001)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int]()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("sensor-%d", j%10)
				_, _ = c.Set(key, n)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, c.Len())
}

func TestCache_Clear(t *testing.T) {
	c := New[int]()
	for i := 0; i < 5; i++ {
		_, err := c.Set(fmt.Sprintf("k%d", i), i)
		require.NoError(t, err)
	}

	c.Clear()
	assert.Zero(t, c.Len())
}
