package numalloc

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/oopjit/hostmem"
	"github.com/chazu/oopjit/jiterr"
	"github.com/chazu/oopjit/recycler"
)

var log = commonlog.GetLogger("oopjit.numalloc")

// Heap is the destination heap a ThreadAllocator carves its blocks from
// and integrates them into.
type Heap interface {
	Memory() *hostmem.Space
	PageSize() uint64
	BlockSize() uint64
	AllocSegment(kind recycler.PageKind) (*recycler.Segment, error)
	FillAllocPages(addr uint64, pages int)
	IntegrateSegments(kind recycler.PageKind, segs []*recycler.Segment, count, pages int) error
	IntegrateBlock(kind recycler.PageKind, addr uint64, seg *recycler.Segment, allocSize, objectSize uint64) error
}

// BlockState is the lifecycle stage of a block.
type BlockState uint8

const (
	StateUnknown BlockState = iota
	StateOpen
	StatePendingReference
	StatePendingFlush
	StatePendingIntegration
	StateIntegrated
)

func (s BlockState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePendingReference:
		return "pending-reference"
	case StatePendingFlush:
		return "pending-flush"
	case StatePendingIntegration:
		return "pending-integration"
	case StateIntegrated:
		return "integrated"
	default:
		return "unknown"
	}
}

type blockRecord struct {
	addr uint64
	seg  *recycler.Segment
}

// stream is one bump cursor over blocks carved from segments of one kind.
type stream struct {
	kind       recycler.PageKind
	allocSize  uint64
	objectSize uint64

	seg      *recycler.Segment
	segEnd   uint64
	blockEnd uint64
	next     uint64
	hasBlock bool

	pendingSegments     []*recycler.Segment
	pendingSegmentPages int
	pendingIntegration  []blockRecord
	pendingFlush        []blockRecord

	rollovers uint64
}

// ThreadAllocator bump-allocates boxed numbers and NumberChunk records for
// one compiler thread. Blocks are committed one at a time from reserved
// segments and only become collector-owned when Integrate runs.
type ThreadAllocator struct {
	mu   sync.Mutex
	heap Heap

	numbers stream
	chunks  stream

	// number blocks under write tracking, waiting for the chunk block
	// that references them to be demoted
	pendingReference []blockRecord

	integrated map[uint64]struct{}
}

// NewThreadAllocator creates an allocator drawing from heap.
func NewThreadAllocator(heap Heap) *ThreadAllocator {
	return &ThreadAllocator{
		heap:       heap,
		numbers:    stream{kind: recycler.Leaf, allocSize: NumberSize, objectSize: NumberSize},
		chunks:     stream{kind: recycler.Normal, allocSize: ChunkSize, objectSize: ChunkSize},
		integrated: make(map[uint64]struct{}),
	}
}

// Memory returns the memory numbers and chunks are written to.
func (a *ThreadAllocator) Memory() *hostmem.Space { return a.heap.Memory() }

// AllocNumber returns the address of a fresh, uninitialized boxed number.
func (a *ThreadAllocator) AllocNumber() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.numbers.next+NumberSize > a.numbers.blockEnd {
		if err := a.allocNewNumberBlock(); err != nil {
			return 0, err
		}
	}
	addr := a.numbers.next
	a.numbers.next += NumberSize
	return addr, nil
}

// AllocChunk returns the address of a zeroed NumberChunk record.
func (a *ThreadAllocator) AllocChunk() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.chunks.next+ChunkSize > a.chunks.blockEnd {
		if err := a.allocNewChunkBlock(); err != nil {
			return 0, err
		}
	}
	addr := a.chunks.next
	var zero [ChunkSize]byte
	if err := a.heap.Memory().Write(addr, zero[:]); err != nil {
		return 0, jiterr.OutOfMemory("numalloc: zero chunk", err)
	}
	a.chunks.next += ChunkSize
	return addr, nil
}

// allocNewNumberBlock demotes the open number block to pending-reference
// and opens the next one. Caller holds mu.
func (a *ThreadAllocator) allocNewNumberBlock() error {
	s := &a.numbers
	bs := a.heap.BlockSize()
	if s.hasBlock {
		a.pendingReference = append(a.pendingReference, blockRecord{addr: s.blockEnd - bs, seg: s.seg})
		s.hasBlock = false
	}
	return a.openBlock(s)
}

// allocNewChunkBlock demotes the open chunk block to pending-flush and
// opens the next one. Caller holds mu.
func (a *ThreadAllocator) allocNewChunkBlock() error {
	s := &a.chunks
	bs := a.heap.BlockSize()
	if s.hasBlock {
		block := s.blockEnd - bs
		s.pendingFlush = append(s.pendingFlush, blockRecord{addr: block, seg: s.seg})
		// everything in the block is live when it is integrated, so it need
		// not be rescanned until it is written again
		if err := a.heap.Memory().ResetWriteWatch(block, bs); err != nil {
			return jiterr.OutOfMemory("numalloc: reset write watch", err)
		}
		a.numbers.pendingFlush = append(a.numbers.pendingFlush, a.pendingReference...)
		a.pendingReference = nil
		s.hasBlock = false
	}
	return a.openBlock(s)
}

// openBlock commits the next block of s, reserving a new segment when the
// current one is used up. Caller holds mu.
func (a *ThreadAllocator) openBlock(s *stream) error {
	bs := a.heap.BlockSize()
	ps := a.heap.PageSize()

	if s.blockEnd+bs > s.segEnd {
		seg, err := a.heap.AllocSegment(s.kind)
		if err != nil {
			s.blockEnd, s.segEnd, s.next = 0, 0, 0
			return jiterr.OutOfMemory(fmt.Sprintf("numalloc: reserve %s segment", s.kind), err)
		}
		s.seg = seg
		s.pendingSegments = append(s.pendingSegments, seg)
		s.pendingSegmentPages += seg.PageCount
		s.blockEnd = seg.Address
		s.segEnd = seg.EndAddress(ps)
	}

	if err := a.heap.Memory().Commit(s.blockEnd, bs); err != nil {
		return jiterr.OutOfMemory(fmt.Sprintf("numalloc: commit %s block", s.kind), err)
	}
	s.next = s.blockEnd
	s.blockEnd += bs
	s.hasBlock = true
	s.rollovers++
	a.heap.FillAllocPages(s.next, int(bs/ps))
	log.Debugf("opened %s block %#x", s.kind, s.next)
	return nil
}

// Integrate hands every pending segment and every pending-integration block
// to the collector. A failure leaves the allocator usable, but the blocks
// not yet integrated stay pending; callers must fail the current compile.
func (a *ThreadAllocator) Integrate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range []*stream{&a.numbers, &a.chunks} {
		if len(s.pendingSegments) == 0 {
			continue
		}
		if err := a.heap.IntegrateSegments(s.kind, s.pendingSegments, len(s.pendingSegments), s.pendingSegmentPages); err != nil {
			return jiterr.OutOfMemory(fmt.Sprintf("numalloc: integrate %s segments", s.kind), err)
		}
		s.pendingSegments = nil
		s.pendingSegmentPages = 0
	}

	for _, s := range []*stream{&a.numbers, &a.chunks} {
		for len(s.pendingIntegration) > 0 {
			rec := s.pendingIntegration[0]
			if err := a.heap.IntegrateBlock(s.kind, rec.addr, rec.seg, s.allocSize, s.objectSize); err != nil {
				return jiterr.OutOfMemory(fmt.Sprintf("numalloc: integrate %s block %#x", s.kind, rec.addr), err)
			}
			a.integrated[rec.addr] = struct{}{}
			s.pendingIntegration = s.pendingIntegration[1:]
		}
	}
	return nil
}

// FlushAllocations moves blocks whose write tracking has been reset onto
// the pending-integration lists for the next Integrate.
func (a *ThreadAllocator) FlushAllocations() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range []*stream{&a.numbers, &a.chunks} {
		s.pendingIntegration = append(s.pendingIntegration, s.pendingFlush...)
		s.pendingFlush = nil
	}
}

// Clear drops every pending list. Called at thread shutdown.
func (a *ThreadAllocator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, s := range []*stream{&a.numbers, &a.chunks} {
		s.pendingSegments = nil
		s.pendingSegmentPages = 0
		s.pendingIntegration = nil
		s.pendingFlush = nil
	}
	a.pendingReference = nil
}

// StateOf reports the lifecycle stage of the block starting at addr.
func (a *ThreadAllocator) StateOf(addr uint64) BlockState {
	a.mu.Lock()
	defer a.mu.Unlock()

	bs := a.heap.BlockSize()
	for _, s := range []*stream{&a.numbers, &a.chunks} {
		if s.hasBlock && s.blockEnd-bs == addr {
			return StateOpen
		}
		if containsBlock(s.pendingFlush, addr) {
			return StatePendingFlush
		}
		if containsBlock(s.pendingIntegration, addr) {
			return StatePendingIntegration
		}
	}
	if containsBlock(a.pendingReference, addr) {
		return StatePendingReference
	}
	if _, ok := a.integrated[addr]; ok {
		return StateIntegrated
	}
	return StateUnknown
}

func containsBlock(list []blockRecord, addr uint64) bool {
	for _, r := range list {
		if r.addr == addr {
			return true
		}
	}
	return false
}

// BlockOf returns the start of the block holding addr.
func (a *ThreadAllocator) BlockOf(addr uint64) uint64 {
	bs := a.heap.BlockSize()
	return addr - addr%bs
}

// Stats reports allocator counters.
type Stats struct {
	NumberBlockRollovers     uint64
	ChunkBlockRollovers      uint64
	PendingReference         int
	PendingFlushNumbers      int
	PendingFlushChunks       int
	PendingIntegrationNumber int
	PendingIntegrationChunk  int
	PendingSegments          int
	IntegratedBlocks         int
}

// Stats returns a snapshot of the allocator's counters.
func (a *ThreadAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		NumberBlockRollovers:     a.numbers.rollovers,
		ChunkBlockRollovers:      a.chunks.rollovers,
		PendingReference:         len(a.pendingReference),
		PendingFlushNumbers:      len(a.numbers.pendingFlush),
		PendingFlushChunks:       len(a.chunks.pendingFlush),
		PendingIntegrationNumber: len(a.numbers.pendingIntegration),
		PendingIntegrationChunk:  len(a.chunks.pendingIntegration),
		PendingSegments:          len(a.numbers.pendingSegments) + len(a.chunks.pendingSegments),
		IntegratedBlocks:         len(a.integrated),
	}
}
