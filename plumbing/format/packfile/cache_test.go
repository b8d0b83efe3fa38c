package packfile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardedCacheRoundTrip(t *testing.T) {
	c := newShardedCache(4)

	_, ok := c.Get(100)
	require.False(t, ok)

	c.Add(100, []byte("a"))
	c.Add(200, []byte("b"))

	got, ok := c.Get(100)
	require.True(t, ok)
	require.Equal(t, []byte("a"), got)

	got, ok = c.Get(200)
	require.True(t, ok)
	require.Equal(t, []byte("b"), got)

	_, ok = c.Get(300)
	require.False(t, ok)
}

func TestShardedCacheEvictsWithinShard(t *testing.T) {
	c := newShardedCache(1)

	// Every shard holds a single entry, so after 64 distinct offsets at
	// most shardCount of them can still be cached; the rest were evicted.
	for i := int64(0); i < 64; i++ {
		c.Add(i, []byte{byte(i)})
	}
	hits := 0
	for i := int64(0); i < 64; i++ {
		if _, ok := c.Get(i); ok {
			hits++
		}
	}
	require.LessOrEqual(t, hits, shardCount)
	require.GreaterOrEqual(t, hits, 1)
}

func TestNewLRUCacheFactoryProducesIndependentCaches(t *testing.T) {
	factory := NewLRUCacheFactory(16)

	a := factory()
	b := factory()

	a.Add(1, []byte("x"))
	_, ok := b.Get(1)
	require.False(t, ok, "caches from separate factory calls must not share state")

	got, ok := a.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("x"), got)
}

func TestNewLRUCacheFactoryDefaultsSizeWhenNonPositive(t *testing.T) {
	factory := NewLRUCacheFactory(0)
	c := factory()
	c.Add(1, []byte("x"))
	got, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("x"), got)
}
