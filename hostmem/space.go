// Package hostmem simulates a process address space: page-granular
// reservations that are committed lazily, with write tracking per page.
// It stands in for the host process when the compiler writes into it
// across the process boundary, and for the destination heap's memory.
package hostmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/chazu/oopjit/jiterr"
)

// DefaultPageSize is the page size used when Options.PageSize is zero.
const DefaultPageSize = 4096

// ErrAccessViolation is returned for reads and writes that touch
// unreserved or uncommitted pages.
var ErrAccessViolation = errors.New("hostmem: access violation")

// Options configures a Space.
type Options struct {
	// Base is the first address handed out. Zero selects 0x10000.
	Base uint64
	// PageSize must be a power of two. Zero selects DefaultPageSize.
	PageSize uint64
	// Limit caps the number of reserved bytes. Zero means unlimited.
	Limit uint64
}

type region struct {
	base  uint64
	pages [][]byte // nil until committed
	dirty []bool
}

func (r *region) size(pageSize uint64) uint64 {
	return uint64(len(r.pages)) * pageSize
}

// Space is a simulated address space. All methods are safe for
// concurrent use.
type Space struct {
	mu             sync.RWMutex
	pageSize       uint64
	next           uint64
	limit          uint64
	reserved       uint64
	committedBytes uint64
	regions        *btree.BTreeG[*region]
}

// NewSpace creates an empty address space.
func NewSpace(opts Options) *Space {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize&(opts.PageSize-1) != 0 {
		panic(fmt.Sprintf("hostmem: page size %d is not a power of two", opts.PageSize))
	}
	if opts.Base == 0 {
		opts.Base = 0x10000
	}
	return &Space{
		pageSize: opts.PageSize,
		next:     alignUp(opts.Base, opts.PageSize),
		limit:    opts.Limit,
		regions: btree.NewG[*region](8, func(a, b *region) bool {
			return a.base < b.base
		}),
	}
}

// PageSize returns the page size of the space.
func (s *Space) PageSize() uint64 { return s.pageSize }

// SetLimit changes the reservation cap. Existing reservations are kept
// even if they exceed the new limit.
func (s *Space) SetLimit(limit uint64) {
	s.mu.Lock()
	s.limit = limit
	s.mu.Unlock()
}

// Reserve reserves pages without committing them and returns the base
// address of the new region.
func (s *Space) Reserve(pages int) (uint64, error) {
	if pages <= 0 {
		return 0, fmt.Errorf("hostmem: reserve %d pages: invalid page count", pages)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	size := uint64(pages) * s.pageSize
	if s.limit != 0 && s.reserved+size > s.limit {
		return 0, jiterr.OutOfMemory("hostmem: reserve",
			fmt.Errorf("%d bytes reserved, %d requested, limit %d", s.reserved, size, s.limit))
	}

	r := &region{
		base:  s.next,
		pages: make([][]byte, pages),
		dirty: make([]bool, pages),
	}
	s.regions.ReplaceOrInsert(r)
	s.reserved += size
	// leave one unmapped guard page between regions
	s.next += size + s.pageSize
	return r.base, nil
}

// ReserveCommit reserves and commits pages in one step.
func (s *Space) ReserveCommit(pages int) (uint64, error) {
	addr, err := s.Reserve(pages)
	if err != nil {
		return 0, err
	}
	if err := s.Commit(addr, uint64(pages)*s.pageSize); err != nil {
		return 0, err
	}
	return addr, nil
}

// Commit commits the pages covering [addr, addr+size). Committing an
// already-committed page is a no-op.
func (s *Space) Commit(addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, first, last, err := s.span(addr, size)
	if err != nil {
		return fmt.Errorf("hostmem: commit %#x+%d: %w", addr, size, err)
	}
	for i := first; i <= last; i++ {
		if r.pages[i] == nil {
			r.pages[i] = make([]byte, s.pageSize)
			s.committedBytes += s.pageSize
		}
	}
	return nil
}

// Release drops the region that starts at addr.
func (s *Space) Release(addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions.Get(&region{base: addr})
	if !ok {
		return fmt.Errorf("hostmem: release %#x: %w", addr, ErrAccessViolation)
	}
	for _, p := range r.pages {
		if p != nil {
			s.committedBytes -= s.pageSize
		}
	}
	s.reserved -= r.size(s.pageSize)
	s.regions.Delete(r)
	return nil
}

// Write copies b into committed memory at addr and marks the touched
// pages dirty.
func (s *Space) Write(addr uint64, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, first, last, err := s.span(addr, uint64(len(b)))
	if err != nil {
		return fmt.Errorf("hostmem: write %#x+%d: %w", addr, len(b), err)
	}
	if err := r.committed(first, last); err != nil {
		return fmt.Errorf("hostmem: write %#x+%d: %w", addr, len(b), err)
	}
	off := addr - r.base
	for len(b) > 0 {
		page := off / s.pageSize
		in := off % s.pageSize
		n := copy(r.pages[page][in:], b)
		r.dirty[page] = true
		b = b[n:]
		off += uint64(n)
	}
	return nil
}

// Read returns a copy of n bytes of committed memory at addr.
func (s *Space) Read(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, first, last, err := s.span(addr, uint64(n))
	if err != nil {
		return nil, fmt.Errorf("hostmem: read %#x+%d: %w", addr, n, err)
	}
	if err := r.committed(first, last); err != nil {
		return nil, fmt.Errorf("hostmem: read %#x+%d: %w", addr, n, err)
	}
	off := addr - r.base
	dst := out
	for len(dst) > 0 {
		page := off / s.pageSize
		in := off % s.pageSize
		c := copy(dst, r.pages[page][in:])
		dst = dst[c:]
		off += uint64(c)
	}
	return out, nil
}

// WriteUint64 stores a little-endian 64-bit word.
func (s *Space) WriteUint64(addr, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return s.Write(addr, buf[:])
}

// ReadUint64 loads a little-endian 64-bit word.
func (s *Space) ReadUint64(addr uint64) (uint64, error) {
	b, err := s.Read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Contains reports whether addr falls inside a reserved region.
func (s *Space) Contains(addr uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.find(addr) != nil
}

// IsCommitted reports whether the page holding addr is committed.
func (s *Space) IsCommitted(addr uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.find(addr)
	if r == nil {
		return false
	}
	return r.pages[(addr-r.base)/s.pageSize] != nil
}

// RegionOf returns the base and size of the region holding addr.
func (s *Space) RegionOf(addr uint64) (base, size uint64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.find(addr)
	if r == nil {
		return 0, 0, false
	}
	return r.base, r.size(s.pageSize), true
}

// ResetWriteWatch clears the dirty bit of every page covering
// [addr, addr+size).
func (s *Space) ResetWriteWatch(addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, first, last, err := s.span(addr, size)
	if err != nil {
		return fmt.Errorf("hostmem: reset write watch %#x+%d: %w", addr, size, err)
	}
	for i := first; i <= last; i++ {
		r.dirty[i] = false
	}
	return nil
}

// DirtyPages counts the dirty pages covering [addr, addr+size).
func (s *Space) DirtyPages(addr, size uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, first, last, err := s.span(addr, size)
	if err != nil {
		return 0
	}
	n := 0
	for i := first; i <= last; i++ {
		if r.dirty[i] {
			n++
		}
	}
	return n
}

// Stats describes the space's current footprint.
type Stats struct {
	Regions   int
	Reserved  uint64
	Committed uint64
}

// Stats returns the current footprint.
func (s *Space) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Regions: s.regions.Len(), Reserved: s.reserved, Committed: s.committedBytes}
}

// find returns the region containing addr. Caller holds mu.
func (s *Space) find(addr uint64) *region {
	var found *region
	s.regions.DescendLessOrEqual(&region{base: addr}, func(r *region) bool {
		found = r
		return false
	})
	if found == nil || addr >= found.base+found.size(s.pageSize) {
		return nil
	}
	return found
}

// span resolves [addr, addr+size) to a single region and its first and
// last page indices. Caller holds mu.
func (s *Space) span(addr, size uint64) (*region, uint64, uint64, error) {
	if size == 0 {
		size = 1
	}
	r := s.find(addr)
	if r == nil {
		return nil, 0, 0, ErrAccessViolation
	}
	end := addr + size
	if end < addr || end > r.base+r.size(s.pageSize) {
		return nil, 0, 0, ErrAccessViolation
	}
	return r, (addr - r.base) / s.pageSize, (end - 1 - r.base) / s.pageSize, nil
}

func (r *region) committed(first, last uint64) error {
	for i := first; i <= last; i++ {
		if r.pages[i] == nil {
			return ErrAccessViolation
		}
	}
	return nil
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
