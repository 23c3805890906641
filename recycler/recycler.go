// Package recycler is the destination heap the compiler's allocations are
// integrated into. It hands out reserved page segments from two page
// sources (leaf pages for pointer-free objects, normal pages for objects
// the collector must scan) and accepts segments and blocks back once they
// have been filled.
package recycler

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/oopjit/hostmem"
	"github.com/chazu/oopjit/jiterr"
)

var log = commonlog.GetLogger("oopjit.recycler")

// PageKind selects a page source.
type PageKind uint8

const (
	// Leaf pages hold objects with no outgoing pointers.
	Leaf PageKind = iota
	// Normal pages hold objects the collector scans.
	Normal
)

func (k PageKind) String() string {
	if k == Leaf {
		return "leaf"
	}
	return "normal"
}

// DefaultSegmentPages is the number of pages reserved per segment when
// Options.SegmentPages is zero.
const DefaultSegmentPages = 16

// Segment is a reserved run of pages handed out by a page source.
type Segment struct {
	Address   uint64
	PageCount int
	Kind      PageKind

	integrated bool
}

// EndAddress is one past the last byte of the segment.
func (s *Segment) EndAddress(pageSize uint64) uint64 {
	return s.Address + uint64(s.PageCount)*pageSize
}

// Block is a collector-managed block registered with IntegrateBlock.
type Block struct {
	Address    uint64
	Segment    *Segment
	Kind       PageKind
	AllocSize  uint64
	ObjectSize uint64
}

// Options configures a Recycler.
type Options struct {
	SegmentPages int
	// BlockSize is the unit of block integration. Zero selects one page.
	BlockSize uint64
	// BlockLimit caps the number of integrated blocks. Zero means no cap.
	BlockLimit int
}

// Recycler is a simulated tracing-collector heap. Safe for concurrent use.
type Recycler struct {
	mem          *hostmem.Space
	segmentPages int
	blockSize    uint64
	blockLimit   int

	mu       sync.Mutex
	segments [2][]*Segment
	blocks   []Block
	filled   map[uint64]bool

	// bump state for direct allocation
	direct [2]directCursor
}

type directCursor struct {
	seg  *Segment
	next uint64
	end  uint64
}

// New creates a heap whose pages live in mem.
func New(mem *hostmem.Space, opts Options) *Recycler {
	if opts.SegmentPages <= 0 {
		opts.SegmentPages = DefaultSegmentPages
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = mem.PageSize()
	}
	if opts.BlockSize%mem.PageSize() != 0 {
		panic(fmt.Sprintf("recycler: block size %d is not a multiple of the page size", opts.BlockSize))
	}
	if uint64(opts.SegmentPages)*mem.PageSize() < opts.BlockSize {
		panic("recycler: segment smaller than one block")
	}
	if uint64(opts.SegmentPages)*mem.PageSize()%opts.BlockSize != 0 {
		panic(fmt.Sprintf("recycler: %d-page segment is not a whole number of %d-byte blocks", opts.SegmentPages, opts.BlockSize))
	}
	return &Recycler{
		mem:          mem,
		segmentPages: opts.SegmentPages,
		blockSize:    opts.BlockSize,
		blockLimit:   opts.BlockLimit,
		filled:       make(map[uint64]bool),
	}
}

// Memory returns the address space backing the heap.
func (r *Recycler) Memory() *hostmem.Space { return r.mem }

// PageSize returns the heap's page size.
func (r *Recycler) PageSize() uint64 { return r.mem.PageSize() }

// BlockSize returns the size of one integration block.
func (r *Recycler) BlockSize() uint64 { return r.blockSize }

// AllocSegment reserves, but does not commit, a new segment from the page
// source of the given kind. The segment is not known to the collector
// until it is passed to IntegrateSegments.
func (r *Recycler) AllocSegment(kind PageKind) (*Segment, error) {
	addr, err := r.mem.Reserve(r.segmentPages)
	if err != nil {
		return nil, fmt.Errorf("recycler: reserve %s segment: %w", kind, err)
	}
	log.Debugf("reserved %s segment %#x (%d pages)", kind, addr, r.segmentPages)
	return &Segment{Address: addr, PageCount: r.segmentPages, Kind: kind}, nil
}

// FillAllocPages marks pages starting at addr as handed out for
// allocation.
func (r *Recycler) FillAllocPages(addr uint64, pages int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := r.mem.PageSize()
	for i := 0; i < pages; i++ {
		r.filled[addr+uint64(i)*ps] = true
	}
}

// IntegrateSegments takes ownership of segments reserved outside the
// collector. count and pages must match the segments passed.
func (r *Recycler) IntegrateSegments(kind PageKind, segs []*Segment, count, pages int) error {
	if len(segs) != count {
		return fmt.Errorf("recycler: integrate %s segments: have %d, expected %d", kind, len(segs), count)
	}
	total := 0
	for _, s := range segs {
		total += s.PageCount
	}
	if total != pages {
		return fmt.Errorf("recycler: integrate %s segments: have %d pages, expected %d", kind, total, pages)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range segs {
		if s.Kind != kind {
			return fmt.Errorf("recycler: integrate %s segments: segment %#x is %s", kind, s.Address, s.Kind)
		}
		if s.integrated {
			continue
		}
		s.integrated = true
		r.segments[kind] = append(r.segments[kind], s)
	}
	return nil
}

// IntegrateBlock registers a filled block as a collector-managed
// allocation of allocSize-byte objects. The block's segment must already
// be integrated.
func (r *Recycler) IntegrateBlock(kind PageKind, addr uint64, seg *Segment, allocSize, objectSize uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.blockLimit > 0 && len(r.blocks) >= r.blockLimit {
		return jiterr.OutOfMemory("recycler: integrate block",
			fmt.Errorf("block limit %d reached", r.blockLimit))
	}
	if seg == nil || !seg.integrated {
		return fmt.Errorf("recycler: integrate block %#x: segment not integrated", addr)
	}
	if !r.filled[addr] || !r.mem.IsCommitted(addr) {
		return fmt.Errorf("recycler: integrate block %#x: block was never committed", addr)
	}
	r.blocks = append(r.blocks, Block{
		Address:    addr,
		Segment:    seg,
		Kind:       kind,
		AllocSize:  allocSize,
		ObjectSize: objectSize,
	})
	return nil
}

// Blocks returns a snapshot of the integrated blocks.
func (r *Recycler) Blocks() []Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Block, len(r.blocks))
	copy(out, r.blocks)
	return out
}

// IsIntegrated reports whether addr lies in an integrated block.
func (r *Recycler) IsIntegrated(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.blocks {
		if addr >= b.Address && addr < b.Address+r.blockSize {
			return true
		}
	}
	return false
}

// Stats summarizes the heap.
type Stats struct {
	LeafSegments   int
	NormalSegments int
	LeafBlocks     int
	NormalBlocks   int
}

// Stats returns counts of integrated segments and blocks.
func (r *Recycler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{
		LeafSegments:   len(r.segments[Leaf]),
		NormalSegments: len(r.segments[Normal]),
	}
	for _, b := range r.blocks {
		if b.Kind == Leaf {
			st.LeafBlocks++
		} else {
			st.NormalBlocks++
		}
	}
	return st
}
