package xproc

import (
	"errors"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/oopjit/hostmem"
	"github.com/chazu/oopjit/numalloc"
)

var log = commonlog.GetLogger("oopjit.xproc")

// ChunkAllocator supplies the NumberChunk records registered segments are
// threaded onto. *numalloc.ThreadAllocator satisfies it.
type ChunkAllocator interface {
	Memory() *hostmem.Space
	AllocChunk() (uint64, error)
}

// SegmentManager tracks the segments whose numbers have been handed to the
// host heap.
type SegmentManager struct {
	chunks   ChunkAllocator
	pageSize uint64

	mu       sync.Mutex
	segments *Segment
	count    int
}

// NewSegmentManager returns a manager that allocates chunk records from
// chunks. pageSize is the host page size.
func NewSegmentManager(chunks ChunkAllocator, pageSize uint64) *SegmentManager {
	return &SegmentManager{chunks: chunks, pageSize: pageSize}
}

// RegisterSegments threads every unregistered number of the chain segs
// onto a NumberChunk chain and takes ownership of the segments.
func (m *SegmentManager) RegisterSegments(segs *Segment) (*numalloc.NumberChunk, error) {
	if segs == nil || segs.Base == 0 {
		return nil, errors.New("xproc: register segments: empty segment chain")
	}

	b := numalloc.NewChainBuilder(m.chunks.Memory(), m.chunks.AllocChunk)
	n := 0
	for s := segs; s != nil; s = s.Next {
		for addr := s.AllocStart; addr < s.AllocEnd; addr += s.ElementSize {
			if err := b.Add(addr); err != nil {
				return nil, err
			}
		}
		n++
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.segments == nil {
		m.segments = segs
	} else {
		m.segments.tail().Next = segs
	}
	m.count += n
	log.Debugf("registered %d segments", n)
	return b.Chain(), nil
}

// GetFreeSegment detaches the last tracked segment if it still has room,
// so the next compilation can keep filling it. Only numbers written after
// the call are registered again.
func (m *SegmentManager) GetFreeSegment() (*Segment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.segments == nil {
		return nil, false
	}
	var prev *Segment
	last := m.segments
	for last.Next != nil {
		prev = last
		last = last.Next
	}
	if last.Full(m.pageSize) {
		return nil, false
	}

	if prev == nil {
		m.segments = nil
	} else {
		prev.Next = nil
	}
	m.count--
	seg := *last
	seg.AllocStart = seg.AllocEnd
	seg.Next = nil
	return &seg, true
}

// Len returns the number of tracked segments.
func (m *SegmentManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
