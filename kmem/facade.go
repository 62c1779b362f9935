// Package kmem implements the small-buffer allocation façade: kalloc/kfree
// over a fixed bank of 13 preconfigured caches sized 2^5..2^17 bytes,
// backed by a slab.Arena.
package kmem

import (
	"fmt"
	"sync"

	"github.com/kostamat011/kmemalloc/internal/pow2"
	"github.com/kostamat011/kmemalloc/slab"
)

// MinOrder and MaxOrder bound the small-buffer size classes: the smallest
// cache serves objects of 2^MinOrder bytes, the largest 2^MaxOrder bytes.
const (
	MinOrder = 5
	MaxOrder = 17
)

// Facade is the small-buffer allocation façade over a slab.Arena: a bank of
// caches sized 2^MinOrder..2^MaxOrder bytes, with O(1) free dispatch via a
// block-index-to-cache map maintained through slab add/remove hooks.
type Facade struct {
	arena  *slab.Arena
	caches [MaxOrder - MinOrder + 1]*slab.Cache

	ownerMu sync.Mutex
	owner   map[int]*slab.Cache
}

// New builds a Facade over region, a byte slice of at least
// blockCount*slab.BlockSize bytes, creating the 13 small-buffer caches
// "size-5".."size-17".
func New(region []byte, blockCount int) (*Facade, error) {
	arena, err := slab.NewArena(region, blockCount)
	if err != nil {
		return nil, err
	}

	f := &Facade{
		arena: arena,
		owner: make(map[int]*slab.Cache),
	}

	for order := MinOrder; order <= MaxOrder; order++ {
		name := fmt.Sprintf("size-%d", order)
		c, err := arena.CreateCache(name, 1<<uint(order), nil, nil)
		if err != nil {
			return nil, fmt.Errorf("kmem: creating %q: %w", name, err)
		}
		f.caches[order-MinOrder] = c
		c.SetSlabHooks(f.makeOnAdd(c), f.makeOnRemove(c))
	}
	return f, nil
}

func (f *Facade) makeOnAdd(c *slab.Cache) func(baseBlock, blockCount int) {
	return func(baseBlock, blockCount int) {
		f.ownerMu.Lock()
		defer f.ownerMu.Unlock()
		for i := 0; i < blockCount; i++ {
			f.owner[baseBlock+i] = c
		}
	}
}

func (f *Facade) makeOnRemove(c *slab.Cache) func(baseBlock, blockCount int) {
	return func(baseBlock, blockCount int) {
		f.ownerMu.Lock()
		defer f.ownerMu.Unlock()
		for i := 0; i < blockCount; i++ {
			delete(f.owner, baseBlock+i)
		}
	}
}

// cacheForSize returns the small-buffer cache serving at-least-size
// requests, matching the original allocator's round-up-then-reject-if-out-
// of-range rule: sizes whose order falls outside [MinOrder, MaxOrder] are
// rejected outright, never rounded into range.
func cacheForSize(size int) (order int, ok bool) {
	if size <= 0 {
		return 0, false
	}
	order = pow2.CeilLog2(size)
	if order < MinOrder || order > MaxOrder {
		return 0, false
	}
	return order, true
}

// Kalloc returns a buffer of at least size bytes from the appropriate
// small-buffer cache; its contents are not cleared. It takes no lock of its own and
// dispatches straight to slab.Cache.Alloc, which locks exactly once — the
// original allocator's kalloc locked the cache mutex itself and then
// called into kmem_cache_alloc, which locked it again.
func (f *Facade) Kalloc(size int) ([]byte, error) {
	order, ok := cacheForSize(size)
	if !ok {
		return nil, fmt.Errorf("kmem: size %d out of small-buffer range [2^%d, 2^%d]", size, MinOrder, MaxOrder)
	}
	return f.caches[order-MinOrder].Alloc()
}

// Kfree returns p, previously obtained from Kalloc, to its owning cache.
// The owning cache is found in O(1) via the block-index map rather than by
// probing all 13 caches in turn.
func (f *Facade) Kfree(p []byte) {
	idx, ok := f.arena.BlockIndexOf(p)
	if !ok {
		return
	}

	f.ownerMu.Lock()
	c, ok := f.owner[idx]
	f.ownerMu.Unlock()
	if !ok {
		return
	}
	c.Free(p)
}

// Cache exposes the underlying small-buffer cache for the given 2^order
// size class, for diagnostics and tests.
func (f *Facade) Cache(order int) (*slab.Cache, bool) {
	if order < MinOrder || order > MaxOrder {
		return nil, false
	}
	return f.caches[order-MinOrder], true
}

// Arena exposes the underlying slab arena, for diagnostics and tests.
func (f *Facade) Arena() *slab.Arena {
	return f.arena
}
