package bufalloc

import (
	"fmt"
	"sync"

	"github.com/gogpu/fuser/internal/gpudevice"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ZeroPool is a reusable pool of zeroed device buffers, bucketed by size.
// Each Allocator creates and owns its own ZeroPool; idle buffers are not
// shared between allocators or executors. Adapted from internal/gpu/memory.go's MemoryManager,
// with its budget-driven LRU eviction dropped: spec §3 says intermediate
// buffers are released after each launch, not evicted by a memory
// budget, so entries only ever move between "borrowed" and "idle", never
// age out.
type ZeroPool struct {
	mu       sync.Mutex
	buckets  map[uint64][]hal.Buffer
	capacity int // max idle buffers retained per bucket
}

// NewZeroPool creates a pool retaining up to capacity idle buffers per
// size bucket. A non-positive capacity disables retention (every
// Release destroys its buffer).
func NewZeroPool(capacity int) *ZeroPool {
	return &ZeroPool{
		buckets:  make(map[uint64][]hal.Buffer),
		capacity: capacity,
	}
}

// Acquire returns a zeroed buffer of at least size bytes, reusing an idle
// one from the pool when available (pooled=true), else creating a fresh
// buffer through driver (pooled=false, since a newly created buffer from
// CreateBuffer is already zero-filled by the allocator and needs no
// explicit zero-fill dispatch).
func (p *ZeroPool) Acquire(driver gpudevice.Driver, label string, size uint64) (hal.Buffer, bool, error) {
	p.mu.Lock()
	bucket := p.buckets[size]
	if len(bucket) > 0 {
		buf := bucket[len(bucket)-1]
		p.buckets[size] = bucket[:len(bucket)-1]
		p.mu.Unlock()
		return buf, true, nil
	}
	p.mu.Unlock()

	desc := &hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	}
	buf, err := driver.Device().CreateBuffer(desc)
	if err != nil {
		return nil, false, fmt.Errorf("bufalloc: create pooled buffer: %w", err)
	}
	return buf, false, nil
}

// Release returns buf to its size bucket, up to capacity; beyond that it
// is destroyed outright rather than retained forever.
func (p *ZeroPool) Release(size uint64, buf hal.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket := p.buckets[size]
	if p.capacity <= 0 || len(bucket) >= p.capacity {
		buf.Destroy()
		return
	}
	p.buckets[size] = append(bucket, buf)
}

// Len reports the number of idle buffers currently retained, across all
// buckets.
func (p *ZeroPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.buckets {
		n += len(b)
	}
	return n
}
