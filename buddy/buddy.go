// Package buddy implements a power-of-two block-run allocator over a range
// of integer block indices. It tracks no bytes of its own; the caller
// (typically slab.Arena) maps the indices this package hands back onto the
// backing byte region. Free lists are order-indexed slices of block
// indices rather than in-place linked nodes, matching how the teacher
// package represents its own free lists.
package buddy

import (
	"fmt"
	"sync"

	"github.com/kostamat011/kmemalloc/internal/pow2"
)

// MaxOrder bounds the number of distinct run sizes the allocator will ever
// track: 2^(MaxOrder-1) blocks is far beyond any realistic region size.
const MaxOrder = 32

// MemStart is the first usable block index. Block 0 is reserved for the
// caller's own bookkeeping header, mirroring the original allocator's
// convention of placing its header in block 0.
const MemStart = 1

// Allocator hands out and reclaims power-of-two runs of block indices in
// the range [MemStart, MemStart+BlockNum).
type Allocator struct {
	mu       sync.Mutex
	blockNum int
	free     [MaxOrder][]int
}

// NewAllocator builds an allocator managing blockCount total blocks, one of
// which (block 0) is reserved and never handed out. blockCount must be at
// least 2.
func NewAllocator(blockCount int) (*Allocator, error) {
	if blockCount < 2 {
		return nil, fmt.Errorf("buddy: blockCount must be >= 2, got %d", blockCount)
	}
	usable := blockCount - 1
	if pow2.CeilLog2(usable)+1 > MaxOrder {
		return nil, fmt.Errorf("buddy: blockCount %d exceeds MaxOrder capacity", blockCount)
	}

	a := &Allocator{blockNum: usable}
	a.seed(MemStart, usable)
	return a, nil
}

// seed greedily decomposes a run of n blocks starting at addr into maximal
// power-of-two pieces, one per set bit of n, largest first. A power of two
// has exactly one set bit, so a region whose size is itself a power of two
// seeds a single free-list entry.
func (a *Allocator) seed(addr, n int) {
	for n > 0 {
		order := pow2.FloorLog2(n)
		size := 1 << order
		a.free[order] = append(a.free[order], addr)
		addr += size
		n -= size
	}
}

// BlockNum returns the total number of usable blocks (excluding block 0).
func (a *Allocator) BlockNum() int {
	return a.blockNum
}

// Available returns the number of currently free blocks.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for order, list := range a.free {
		total += len(list) * (1 << order)
	}
	return total
}

// Alloc reserves the smallest power-of-two run covering n blocks and
// returns its starting block index. ok is false if no run large enough is
// free. The caller must remember n (or round up with pow2.CeilPow2) to pass
// the same size back to Free.
func (a *Allocator) Alloc(n int) (addr int, ok bool) {
	if n <= 0 {
		return 0, false
	}
	order := pow2.CeilLog2(n)
	if order >= MaxOrder {
		return 0, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	src := order
	for src < MaxOrder && len(a.free[src]) == 0 {
		src++
	}
	if src == MaxOrder {
		return 0, false
	}

	// Pop the run at src, then split it down to order, pushing each
	// freed upper half onto the next lower order's free list.
	base := a.popLast(src)
	for k := src; k > order; k-- {
		half := 1 << (k - 1)
		a.free[k-1] = append(a.free[k-1], base+half)
	}
	return base, true
}

// Free releases a run of n blocks starting at addr, rounding n up to the
// power of two it represents, then eagerly coalesces with any free buddy,
// repeating up the order chain until no buddy is free.
func (a *Allocator) Free(addr, n int) {
	if n <= 0 {
		return
	}
	order := pow2.CeilLog2(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	for order < MaxOrder-1 {
		buddy := a.buddyOf(addr, order)
		idx := a.indexOf(order, buddy)
		if idx < 0 {
			break
		}
		a.removeAt(order, idx)
		if buddy < addr {
			addr = buddy
		}
		order++
	}
	a.free[order] = append(a.free[order], addr)
}

// buddyOf computes the buddy block index of addr at the given order,
// relative to MemStart, by flipping bit `order` of the block offset.
func (a *Allocator) buddyOf(addr, order int) int {
	rel := addr - MemStart
	return (rel ^ (1 << order)) + MemStart
}

func (a *Allocator) indexOf(order, addr int) int {
	for i, v := range a.free[order] {
		if v == addr {
			return i
		}
	}
	return -1
}

func (a *Allocator) removeAt(order, i int) {
	list := a.free[order]
	last := len(list) - 1
	list[i] = list[last]
	a.free[order] = list[:last]
}

func (a *Allocator) popLast(order int) int {
	list := a.free[order]
	last := len(list) - 1
	v := list[last]
	a.free[order] = list[:last]
	return v
}
