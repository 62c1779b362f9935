package slab

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/kostamat011/kmemalloc/internal/pow2"
)

// ErrorCode mirrors the three failure classes the original allocator
// recorded per cache.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrAllocation
	ErrDeallocation
	ErrInconsistentSlab
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrAllocation:
		return "allocation error"
	case ErrDeallocation:
		return "deallocation error"
	case ErrInconsistentSlab:
		return "inconsistent slab error"
	default:
		return "unknown error"
	}
}

// slabMagic tags the 8-byte header written at the start of every slab's
// block run, the same defensive convention the teacher package uses for
// its own arena headers.
const slabMagic uint32 = 0x5a1ab000

type slabNode struct {
	baseBlock  int
	blockCount int
	l1Offset   int
	objStart   int // absolute byte offset into the arena region
	freeMap    []byte
}

// Cache manages slabs of fixed-size objects: an empty/partial/full slab
// state machine, a free-slot bitmap per slab, and cache-line coloring of
// each slab's first object.
type Cache struct {
	mu sync.Mutex

	name    string
	arena   *Arena
	objSize int

	blocksPerSlab  int
	objectsPerSlab int
	mapSize        int
	unusedSpace    int
	nextColor      int

	objectCount   int
	slabCount     int
	recentlyAdded bool

	ctor, dtor Hook

	empty, partial, full []*slabNode

	errCode ErrorCode

	onSlabAdded   func(baseBlock, blockCount int)
	onSlabRemoved func(baseBlock, blockCount int)
}

// SetSlabHooks registers callbacks invoked, under the cache's own lock,
// whenever a slab is added to or reclaimed from this cache. kmem.Facade
// uses this to maintain an O(1) block-index-to-cache map instead of
// probing every cache on free.
func (c *Cache) SetSlabHooks(onAdd, onRemove func(baseBlock, blockCount int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSlabAdded = onAdd
	c.onSlabRemoved = onRemove
}

// Name returns the cache's registered name.
func (c *Cache) Name() string { return c.name }

// ObjSize returns the fixed object size this cache serves.
func (c *Cache) ObjSize() int { return c.objSize }

// Error returns the last error code recorded against this cache.
func (c *Cache) Error() ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errCode
}

// calculateSlabAreas computes, for a slab of blockCount blocks holding
// objects of objSize bytes, how many whole objects fit alongside an
// 8-byte header and a bitmap sized to track them, and how many bytes are
// left over (used for cache-line coloring).
func calculateSlabAreas(blockCount, objSize int) (numObjects, mapSize, unused int) {
	capacity := blockCount*BlockSize - slabHeaderSize
	if capacity <= 0 {
		return 0, 0, 0
	}
	num := capacity / objSize
	for num > 0 {
		mapSize = pow2.CeilDiv(num, 8)
		if num*objSize+mapSize <= capacity {
			break
		}
		num--
	}
	if num <= 0 {
		return 0, 0, 0
	}
	mapSize = pow2.CeilDiv(num, 8)
	unused = capacity - num*objSize - mapSize
	return num, mapSize, unused
}

// calculateSlabBlocks finds the smallest block count whose slab geometry
// can hold at least one object of objSize bytes.
func calculateSlabBlocks(objSize int) int {
	blocks := 1
	for {
		num, _, _ := calculateSlabAreas(blocks, objSize)
		if num >= 1 {
			return blocks
		}
		blocks++
	}
}

// extend grows the cache by one slab, allocated from the arena's buddy
// allocator, and adds it to the empty list.
func (c *Cache) extend() error {
	base, ok := c.arena.buddy.Alloc(c.blocksPerSlab)
	if !ok {
		return fmt.Errorf("slab: cache %q: no buddy space for a new slab", c.name)
	}
	window := c.arena.blockWindow(base, c.blocksPerSlab)

	binary.LittleEndian.PutUint32(window[0:4], slabMagic)
	binary.LittleEndian.PutUint32(window[4:8], uint32(c.objSize))

	freeMap := window[slabHeaderSize : slabHeaderSize+c.mapSize]
	for i := range freeMap {
		freeMap[i] = 0
	}
	setPaddingBits(freeMap, c.objectsPerSlab)

	l1 := c.nextColor
	if c.nextColor+L1Line > c.unusedSpace {
		c.nextColor = 0
	} else {
		c.nextColor += L1Line
	}

	objStartInSlab := slabHeaderSize + c.mapSize + l1
	node := &slabNode{
		baseBlock:  base,
		blockCount: c.blocksPerSlab,
		l1Offset:   l1,
		objStart:   base*BlockSize + objStartInSlab,
		freeMap:    freeMap,
	}

	if c.ctor != nil {
		for i := 0; i < c.objectsPerSlab; i++ {
			c.ctor(c.objectBytes(node, i))
		}
	}

	c.empty = append(c.empty, node)
	c.slabCount++
	c.recentlyAdded = true

	if c.onSlabAdded != nil {
		c.onSlabAdded(base, c.blocksPerSlab)
	}
	return nil
}

func (c *Cache) objectBytes(node *slabNode, idx int) []byte {
	off := node.objStart + idx*c.objSize
	return c.arena.region[off : off+c.objSize]
}

// Alloc returns one zero-or-more-times-reused object slot from the cache,
// extending the cache with a fresh slab if every existing slab is full.
func (c *Cache) Alloc() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.partial) == 0 && len(c.empty) == 0 {
		if err := c.extend(); err != nil {
			c.errCode = ErrAllocation
			return nil, err
		}
	}

	fromPartial := len(c.partial) > 0
	var node *slabNode
	if fromPartial {
		node = c.partial[len(c.partial)-1]
	} else {
		node = c.empty[len(c.empty)-1]
	}

	idx, ok := findFreeSlot(node.freeMap, c.objectsPerSlab)
	if !ok {
		c.errCode = ErrInconsistentSlab
		return nil, fmt.Errorf("slab: cache %q: slab reported free but has no free slot", c.name)
	}
	setBit(node.freeMap, idx)
	c.objectCount++

	if fromPartial {
		if isFull(node.freeMap, c.objectsPerSlab) {
			c.moveLast(&c.partial, &c.full, node)
		}
	} else {
		c.moveLast(&c.empty, nil, node)
		if isFull(node.freeMap, c.objectsPerSlab) {
			c.full = append(c.full, node)
		} else {
			c.partial = append(c.partial, node)
		}
	}

	c.errCode = ErrNone
	return c.objectBytes(node, idx), nil
}

// Free returns slot, previously returned by Alloc, to the cache. Unknown
// slots are recorded as ErrDeallocation and otherwise ignored.
func (c *Cache) Free(slot []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, idx, list := c.findContaining(slot)
	if node == nil {
		c.errCode = ErrDeallocation
		return
	}

	wasFull := isFull(node.freeMap, c.objectsPerSlab)
	clearBit(node.freeMap, idx)
	if c.dtor != nil {
		c.dtor(c.objectBytes(node, idx))
	}
	c.objectCount--

	if wasFull {
		c.removeFrom(&c.full, node)
		c.partial = append(c.partial, node)
	}
	if isEmpty(node.freeMap, c.objectsPerSlab) {
		if list == &c.partial || wasFull {
			c.removeFrom(&c.partial, node)
		}
		c.empty = append(c.empty, node)
	}
	c.errCode = ErrNone
}

// findContaining locates the slab owning slot by scanning the full and
// partial lists (an empty slab holds no live objects, so it is never
// searched), mirroring the original allocator's find_containing_slab.
func (c *Cache) findContaining(slot []byte) (*slabNode, int, *[]*slabNode) {
	if len(slot) == 0 {
		return nil, 0, nil
	}
	byteOff, ok := c.arena.offsetOf(slot)
	if !ok {
		return nil, 0, nil
	}

	for _, list := range []*[]*slabNode{&c.full, &c.partial} {
		for _, n := range *list {
			lo := n.baseBlock * BlockSize
			hi := lo + n.blockCount*BlockSize
			if byteOff < lo || byteOff >= hi {
				continue
			}
			off := byteOff - n.objStart
			if off < 0 || off%c.objSize != 0 {
				continue
			}
			idx := off / c.objSize
			if idx < 0 || idx >= c.objectsPerSlab {
				continue
			}
			if !isSet(n.freeMap, idx) {
				continue
			}
			return n, idx, list
		}
	}
	return nil, 0, nil
}

func (c *Cache) moveLast(from, to *[]*slabNode, node *slabNode) {
	f := *from
	for i, n := range f {
		if n == node {
			f[i] = f[len(f)-1]
			*from = f[:len(f)-1]
			break
		}
	}
	if to != nil {
		*to = append(*to, node)
	}
}

func (c *Cache) removeFrom(list *[]*slabNode, node *slabNode) {
	c.moveLast(list, nil, node)
}

// Shrink reclaims all empty slabs back to the buddy allocator and returns
// how many were freed. The first Shrink call after a slab was added is a
// no-op grace period, matching the original allocator's recently_added
// flag (avoids immediately reclaiming a slab that was just grown for an
// allocation that is about to happen).
func (c *Cache) Shrink() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recentlyAdded {
		c.recentlyAdded = false
		return 0
	}

	n := len(c.empty)
	for _, s := range c.empty {
		c.arena.buddy.Free(s.baseBlock, s.blockCount)
		c.slabCount--
		if c.onSlabRemoved != nil {
			c.onSlabRemoved(s.baseBlock, s.blockCount)
		}
	}
	c.empty = nil
	return n
}

// CacheInfo is a point-in-time snapshot of a cache's geometry and
// occupancy, the Go-native equivalent of kmem_cache_info's printed fields.
type CacheInfo struct {
	Name           string
	ObjSize        int
	ObjectsPerSlab int
	SlabCount      int
	ObjectCount    int
	BlocksPerSlab  int
}

// Info returns a snapshot of the cache's current geometry and occupancy.
func (c *Cache) Info() CacheInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheInfo{
		Name:           c.name,
		ObjSize:        c.objSize,
		ObjectsPerSlab: c.objectsPerSlab,
		SlabCount:      c.slabCount,
		ObjectCount:    c.objectCount,
		BlocksPerSlab:  c.blocksPerSlab,
	}
}

// WriteInfo writes a human-readable summary of the cache to w.
func (c *Cache) WriteInfo(w io.Writer) error {
	info := c.Info()
	_, err := fmt.Fprintf(w, "cache %q: obj_size=%d objects/slab=%d slabs=%d objects=%d\n",
		info.Name, info.ObjSize, info.ObjectsPerSlab, info.SlabCount, info.ObjectCount)
	return err
}
