package cache_test

import (
	"testing"

	"github.com/nsakamura/bkv/internal/cache"
	"github.com/stretchr/testify/require"
)

func TestGetPut(t *testing.T) {
	c := cache.New(2)
	c.Put("a", []byte("1"))
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := cache.New(2)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Put("c", []byte("3"))

	_, ok := c.Get("a")
	require.False(t, ok, "a should have been evicted")

	v, ok := c.Get("b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestGetPromotesEntry(t *testing.T) {
	c := cache.New(2)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))

	_, _ = c.Get("a") // a is now most-recently-used
	c.Put("c", []byte("3"))

	_, ok := c.Get("b")
	require.False(t, ok, "b should have been evicted instead of a")

	_, ok = c.Get("a")
	require.True(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := cache.New(2)
	c.Put("a", []byte("1"))
	c.Invalidate("a")
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestZeroCapacityDisablesCache(t *testing.T) {
	c := cache.New(0)
	c.Put("a", []byte("1"))
	_, ok := c.Get("a")
	require.False(t, ok)
}
