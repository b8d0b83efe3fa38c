package packfile

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// PackLookupCache remembers which pack offsets a Bundle.VerifyIntegrity
// pass has already visited, the "pack-decode cache" collaborator that
// Bundle.VerifyIntegrity builds one instance of for each of its worker
// goroutines (see midx.Options.MakePackLookupCache).
type PackLookupCache interface {
	Get(offset int64) ([]byte, bool)
	Add(offset int64, value []byte)
}

// PackLookupCacheFactory produces one PackLookupCache per call. It must
// be safe to invoke concurrently: Bundle.VerifyIntegrity's worker pool
// calls it once per worker goroutine, never sharing the result across
// workers.
type PackLookupCacheFactory func() PackLookupCache

const shardCount = 8

// NewLRUCacheFactory returns a PackLookupCacheFactory whose caches are
// golang-lru/v2 instances sharded shardCount ways by an xxhash of the
// pack offset, spreading lock contention across shards when a single
// pack is verified by more than one goroutine at once (see
// midx.Options.ThreadLimit). Each shard holds size/shardCount entries,
// and at least one, so one cache instance holds at most size entries
// when size >= shardCount and at most shardCount entries otherwise; a
// size <= 0 is replaced by 1024.
func NewLRUCacheFactory(size int) PackLookupCacheFactory {
	if size <= 0 {
		size = 1024
	}
	perShard := size / shardCount
	if perShard < 1 {
		perShard = 1
	}
	return func() PackLookupCache {
		return newShardedCache(perShard)
	}
}

// shardedCache is a small extension of golang-lru/v2's Cache: N
// independent caches, selected by hashing the lookup key, instead of
// one cache guarded by a single lock.
type shardedCache struct {
	shards [shardCount]*lru.Cache[int64, []byte]
	mus    [shardCount]sync.Mutex
}

func newShardedCache(perShard int) *shardedCache {
	c := &shardedCache{}
	for i := range c.shards {
		shard, err := lru.New[int64, []byte](perShard)
		if err != nil {
			// perShard is always >= 1; New only fails for size <= 0.
			panic(err)
		}
		c.shards[i] = shard
	}
	return c
}

func (c *shardedCache) shardFor(offset int64) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(offset))
	return int(xxhash.Sum64(buf[:]) % shardCount)
}

func (c *shardedCache) Get(offset int64) ([]byte, bool) {
	i := c.shardFor(offset)
	c.mus[i].Lock()
	defer c.mus[i].Unlock()
	return c.shards[i].Get(offset)
}

func (c *shardedCache) Add(offset int64, value []byte) {
	i := c.shardFor(offset)
	c.mus[i].Lock()
	defer c.mus[i].Unlock()
	c.shards[i].Add(offset, value)
}
