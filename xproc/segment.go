// Package xproc writes boxed numbers straight into the host process's
// memory and hands the resulting page segments over to the host heap
// once a compilation succeeds.
package xproc

import (
	"fmt"

	"github.com/chazu/oopjit/jiterr"
	"github.com/chazu/oopjit/numalloc"
)

// DefaultSegmentPages is the size of a host page run reserved for numbers.
const DefaultSegmentPages = 2

// HostProcess is the memory of the process the numbers are written into.
type HostProcess interface {
	PageSize() uint64
	ReserveCommit(pages int) (uint64, error)
	Write(addr uint64, b []byte) error
}

// Segment is a run of committed host pages filled with boxed numbers of
// one type. Numbers in [AllocStart, AllocEnd) have not been registered
// with the host heap yet.
type Segment struct {
	Base        uint64
	PageCount   int
	AllocStart  uint64
	AllocEnd    uint64
	ElementSize uint64
	Type        uint64
	Next        *Segment
}

// End is one past the last byte of the segment's pages.
func (s *Segment) End(pageSize uint64) uint64 {
	return s.Base + uint64(s.PageCount)*pageSize
}

// Full reports whether no further number fits.
func (s *Segment) Full(pageSize uint64) bool {
	return s.End(pageSize)-s.AllocEnd < s.ElementSize
}

// Count returns the number of unregistered numbers in s alone.
func (s *Segment) Count() int {
	if s.ElementSize == 0 {
		return 0
	}
	return int((s.AllocEnd - s.AllocStart) / s.ElementSize)
}

func (s *Segment) tail() *Segment {
	t := s
	for t.Next != nil {
		t = t.Next
	}
	return t
}

// AllocateNumber writes a boxed number holding value into the last
// segment of the chain starting at s, extending the chain with a fresh
// host page run when the last segment is full. The zero Segment is an
// empty chain. The number's vtable word is the host's vtableAddr.
func (s *Segment) AllocateNumber(host HostProcess, value float64, typeAddr, vtableAddr uint64) (uint64, error) {
	ps := host.PageSize()
	tail := s.tail()

	if tail.Base == 0 || tail.Full(ps) || tail.Type != typeAddr {
		base, err := host.ReserveCommit(DefaultSegmentPages)
		if err != nil {
			return 0, jiterr.OutOfMemory("xproc: allocate number segment", err)
		}
		seg := &Segment{
			Base:        base,
			PageCount:   DefaultSegmentPages,
			AllocStart:  base,
			AllocEnd:    base,
			ElementSize: numalloc.NumberSize,
			Type:        typeAddr,
		}
		if tail.Base == 0 {
			*tail = *seg
		} else {
			tail.Next = seg
			tail = seg
		}
	}

	addr := tail.AllocEnd
	b := numalloc.EncodeNumber(vtableAddr, value)
	if err := host.Write(addr, b[:]); err != nil {
		return 0, jiterr.OutOfMemory(fmt.Sprintf("xproc: write number %#x", addr), err)
	}
	tail.AllocEnd += tail.ElementSize
	return addr, nil
}
