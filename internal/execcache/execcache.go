// Package execcache maps a call's input-shape hash to its Executor Entry
// (spec component 4.6's cache key), honoring the sticky disable-cache
// flag an entry can set on itself. Grounded on cache/sharded.go's
// FNV-1a hashing and double-checked-locking map, specialised to a
// single unsharded map with no LRU eviction: §3 Lifecycles says entries
// live for the executor's lifetime, never evicted under memory
// pressure.
package execcache

import (
	"hash/fnv"
	"sync"

	"github.com/gogpu/fuser/internal/launchengine"
	"github.com/gogpu/fuser/kernelir"
)

// HashInputShapes computes the cache key for one call's input shapes and
// dtypes, mirroring cache/sharded.go's StringHasher/IntHasher FNV-1a use.
func HashInputShapes(sizes [][]int64, dtypes []kernelir.DType) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	putUint64 := func(v uint64) {
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	for i, s := range sizes {
		if i < len(dtypes) {
			putUint64(uint64(dtypes[i]))
		}
		putUint64(uint64(len(s)))
		for _, v := range s {
			putUint64(uint64(v))
		}
	}
	return h.Sum64()
}

// Cache maps a cache key to the Entry tracking that shape's launch
// parameters, allocation infos, and argument buffers.
type Cache struct {
	mu      sync.RWMutex
	entries map[uint64]*launchengine.Entry
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[uint64]*launchengine.Entry)}
}

// GetOrCreate returns the Entry for key, creating one on first use. An
// entry whose sticky DisableCache flag is set is never handed back: a
// fresh Entry replaces it, so later calls re-run shape inference and
// launch-parameter resolution instead of reusing a configuration the
// entry itself flagged as unsafe to share.
func (c *Cache) GetOrCreate(key uint64) *launchengine.Entry {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && !e.DisableCache {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !e.DisableCache {
		return e
	}

	e = &launchengine.Entry{}
	c.entries[key] = e
	return e
}

// Get returns the entry stored at key, if any, without creating one.
func (c *Cache) Get(key uint64) (*launchengine.Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Put stores e at key directly, used when restoring persisted state.
func (c *Cache) Put(key uint64, e *launchengine.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
}

// Keys returns every cache key currently populated.
func (c *Cache) Keys() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]uint64, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear discards every cached entry, matching a fresh executor's state.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*launchengine.Entry)
}
