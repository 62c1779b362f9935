// Package slab implements the slab allocation engine: named object caches
// carved out of power-of-two block runs obtained from a buddy.Allocator,
// with per-slab free-slot bitmaps and cache-line coloring.
package slab

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/kostamat011/kmemalloc/buddy"
)

// BlockSize is the fixed granularity the buddy allocator below this engine
// works in.
const BlockSize = 4096

// L1Line is the assumed CPU cache-line size used to stagger slab object
// start addresses ("coloring") so that same-offset objects across slabs do
// not all contend for the same cache line.
const L1Line = 64

const slabHeaderSize = 8

// ErrCacheBusy is returned by Arena.DestroyCache when the cache still has
// live (allocated) objects. The original allocator's C source left this
// case unspecified; this port refuses instead of silently freeing slabs
// out from under a caller.
var ErrCacheBusy = errors.New("slab: cache has live objects")

// Hook is a constructor or destructor invoked once per object slot: ctor
// when a slab is first carved out (once per slot, not per alloc), dtor
// each time an object is freed.
type Hook func(obj []byte)

// Arena owns a client-supplied byte region, the buddy.Allocator managing it
// in BlockSize chunks, and the registry of caches carved from it.
type Arena struct {
	region []byte
	buddy  *buddy.Allocator

	cacheListMu sync.Mutex
	caches      []*Cache
}

// NewArena wraps region, a byte slice of at least blockCount*BlockSize
// bytes, with a buddy allocator managing it in BlockSize chunks.
func NewArena(region []byte, blockCount int) (*Arena, error) {
	if len(region) < blockCount*BlockSize {
		return nil, fmt.Errorf("slab: region too small for %d blocks of %d bytes", blockCount, BlockSize)
	}
	b, err := buddy.NewAllocator(blockCount)
	if err != nil {
		return nil, err
	}
	return &Arena{region: region, buddy: b}, nil
}

// CreateCache returns the existing cache named name if one is already
// registered, or creates and registers a new one for fixed-size objects of
// size bytes. ctor is invoked once per slot when a slab is carved; dtor is
// invoked once per object each time it is freed.
func (a *Arena) CreateCache(name string, size int, ctor, dtor Hook) (*Cache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("slab: object size must be positive, got %d", size)
	}

	a.cacheListMu.Lock()
	defer a.cacheListMu.Unlock()

	for _, c := range a.caches {
		if c.name == name {
			return c, nil
		}
	}

	blocksPerSlab := calculateSlabBlocks(size)
	numObjects, mapSize, unused := calculateSlabAreas(blocksPerSlab, size)
	if numObjects < 1 {
		return nil, fmt.Errorf("slab: object size %d does not fit any slab geometry", size)
	}

	c := &Cache{
		name:           name,
		arena:          a,
		objSize:        size,
		blocksPerSlab:  blocksPerSlab,
		objectsPerSlab: numObjects,
		mapSize:        mapSize,
		unusedSpace:    unused,
		ctor:           ctor,
		dtor:           dtor,
	}
	a.caches = append(a.caches, c)
	return c, nil
}

// FindCache looks up a registered cache by name.
func (a *Arena) FindCache(name string) (*Cache, bool) {
	a.cacheListMu.Lock()
	defer a.cacheListMu.Unlock()

	for _, c := range a.caches {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

// DestroyCache removes c from the registry and reclaims all of its slabs
// back to the buddy allocator. It refuses (ErrCacheBusy) if any object in
// the cache is still allocated.
func (a *Arena) DestroyCache(c *Cache) error {
	a.cacheListMu.Lock()
	defer a.cacheListMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.objectCount > 0 {
		return ErrCacheBusy
	}

	for _, s := range c.empty {
		a.buddy.Free(s.baseBlock, s.blockCount)
		if c.onSlabRemoved != nil {
			c.onSlabRemoved(s.baseBlock, s.blockCount)
		}
	}
	c.empty = nil

	for i, cc := range a.caches {
		if cc == c {
			a.caches = append(a.caches[:i], a.caches[i+1:]...)
			break
		}
	}
	return nil
}

// offsetOf resolves a slice previously handed out by a Cache to its
// absolute byte offset within the arena's region.
func (a *Arena) offsetOf(p []byte) (int, bool) {
	if len(p) == 0 || len(a.region) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&a.region[0]))
	ptr := uintptr(unsafe.Pointer(&p[0]))
	if ptr < base {
		return 0, false
	}
	off := ptr - base
	if off >= uintptr(len(a.region)) {
		return 0, false
	}
	return int(off), true
}

// BlockIndexOf resolves a slice previously handed out by a Cache back to
// its owning block index, allowing O(1) lookup of the owning cache via a
// block-index map instead of probing every cache in the registry.
func (a *Arena) BlockIndexOf(p []byte) (int, bool) {
	off, ok := a.offsetOf(p)
	if !ok {
		return 0, false
	}
	return off / BlockSize, true
}

// blockWindow returns the byte window the buddy allocator's [baseBlock,
// baseBlock+blockCount) run covers in the arena's region.
func (a *Arena) blockWindow(baseBlock, blockCount int) []byte {
	start := baseBlock * BlockSize
	n := blockCount * BlockSize
	return unsafe.Slice(&a.region[start], n)
}
