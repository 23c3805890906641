package jitctx

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/chazu/oopjit/hostmem"
	"github.com/chazu/oopjit/jiterr"
)

type codeAlloc struct {
	addr     uint64
	size     uint64
	reserved bool // owns its own host region
}

// CodeAllocator places emitted code in host memory. Code is bump
// allocated from a pre-reserved region first and from dedicated host
// reservations once the region is used up.
type CodeAllocator struct {
	host *hostmem.Space

	mu          sync.Mutex
	regionBase  uint64
	regionEnd   uint64
	regionNext  uint64
	allocs      *btree.BTreeG[*codeAlloc]
	liveBytes   uint64
	regionFreed bool
}

const codeAlign = 16

// NewCodeAllocator returns an allocator over host that pre-reserves
// regionPages pages. Zero regionPages disables the region.
func NewCodeAllocator(host *hostmem.Space, regionPages int) (*CodeAllocator, error) {
	c := &CodeAllocator{
		host: host,
		allocs: btree.NewG(16, func(a, b *codeAlloc) bool {
			return a.addr < b.addr
		}),
	}
	if regionPages > 0 {
		base, err := host.Reserve(regionPages)
		if err != nil {
			return nil, jiterr.OutOfMemory("jitctx: pre-reserve code region", err)
		}
		c.regionBase = base
		c.regionNext = base
		c.regionEnd = base + uint64(regionPages)*host.PageSize()
	}
	return c, nil
}

// RegionAddr returns the base of the pre-reserved region, or zero.
func (c *CodeAllocator) RegionAddr() uint64 { return c.regionBase }

// Alloc places code in host memory and returns its address.
func (c *CodeAllocator) Alloc(code []byte) (uint64, error) {
	if len(code) == 0 {
		return 0, fmt.Errorf("jitctx: alloc code: empty buffer")
	}
	size := (uint64(len(code)) + codeAlign - 1) &^ (codeAlign - 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	var a *codeAlloc
	if c.regionBase != 0 && !c.regionFreed && c.regionNext+size <= c.regionEnd {
		if err := c.host.Commit(c.regionNext, size); err != nil {
			return 0, jiterr.OutOfMemory("jitctx: commit code", err)
		}
		a = &codeAlloc{addr: c.regionNext, size: size}
		c.regionNext += size
	} else {
		ps := c.host.PageSize()
		addr, err := c.host.ReserveCommit(int((size + ps - 1) / ps))
		if err != nil {
			return 0, jiterr.OutOfMemory("jitctx: reserve code pages", err)
		}
		a = &codeAlloc{addr: addr, size: size, reserved: true}
	}
	if err := c.host.Write(a.addr, code); err != nil {
		return 0, fmt.Errorf("jitctx: write code %#x: %w", a.addr, err)
	}
	c.allocs.ReplaceOrInsert(a)
	c.liveBytes += a.size
	return a.addr, nil
}

// IsNativeAddr reports whether addr lies in live code.
func (c *CodeAllocator) IsNativeAddr(addr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	c.allocs.DescendLessOrEqual(&codeAlloc{addr: addr}, func(a *codeAlloc) bool {
		found = addr < a.addr+a.size
		return false
	})
	return found
}

// Free releases the code allocation starting at addr.
func (c *CodeAllocator) Free(addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.allocs.Delete(&codeAlloc{addr: addr})
	if !ok {
		return fmt.Errorf("jitctx: free %#x: not a code allocation", addr)
	}
	c.liveBytes -= a.size
	if a.reserved {
		return c.host.Release(a.addr)
	}
	return nil
}

// LiveBytes returns the bytes of code currently allocated.
func (c *CodeAllocator) LiveBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveBytes
}

// Release frees every allocation and the pre-reserved region.
func (c *CodeAllocator) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocs.Ascend(func(a *codeAlloc) bool {
		if a.reserved {
			_ = c.host.Release(a.addr)
		}
		return true
	})
	c.allocs.Clear(false)
	c.liveBytes = 0
	if c.regionBase != 0 && !c.regionFreed {
		_ = c.host.Release(c.regionBase)
		c.regionFreed = true
	}
}
