package numalloc

import (
	"fmt"

	"github.com/chazu/oopjit/hostmem"
	"github.com/chazu/oopjit/recycler"
)

// NumberSink supplies storage for boxed numbers and their chunk records.
// ThreadAllocator and DirectSink both satisfy it.
type NumberSink interface {
	Memory() *hostmem.Space
	AllocNumber() (uint64, error)
	AllocChunk() (uint64, error)
}

// DirectHeap is a heap that can allocate collector-owned memory directly.
type DirectHeap interface {
	Memory() *hostmem.Space
	Alloc(kind recycler.PageKind, size uint64) (uint64, error)
}

// DirectSink allocates straight from the destination heap. It is used when
// the compiler runs in the same address space as the heap and needs no
// deferred integration.
type DirectSink struct {
	Heap DirectHeap
}

func (d DirectSink) Memory() *hostmem.Space { return d.Heap.Memory() }

func (d DirectSink) AllocNumber() (uint64, error) {
	return d.Heap.Alloc(recycler.Leaf, NumberSize)
}

func (d DirectSink) AllocChunk() (uint64, error) {
	addr, err := d.Heap.Alloc(recycler.Normal, ChunkSize)
	if err != nil {
		return 0, err
	}
	var zero [ChunkSize]byte
	if err := d.Heap.Memory().Write(addr, zero[:]); err != nil {
		return 0, err
	}
	return addr, nil
}

// CodeGenNumberAllocator is the per-compilation facade over a NumberSink.
// Every number it hands out is threaded onto a chain of NumberChunks that
// the finished code keeps alive.
type CodeGenNumberAllocator struct {
	sink      NumberSink
	layout    NumberLayout
	chain     *ChainBuilder
	count     int
	finalized bool
}

// NewCodeGenNumberAllocator returns a facade drawing from sink. Boxed
// numbers created with New get layout's vtable in their header.
func NewCodeGenNumberAllocator(sink NumberSink, layout NumberLayout) *CodeGenNumberAllocator {
	return &CodeGenNumberAllocator{
		sink:   sink,
		layout: layout,
		chain:  NewChainBuilder(sink.Memory(), sink.AllocChunk),
	}
}

// Alloc returns an uninitialized boxed number recorded in the chunk chain.
func (a *CodeGenNumberAllocator) Alloc() (uint64, error) {
	if a.finalized {
		panic("numalloc: Alloc after Finalize")
	}
	addr, err := a.sink.AllocNumber()
	if err != nil {
		return 0, err
	}
	if err := a.chain.Add(addr); err != nil {
		return 0, err
	}
	a.count++
	return addr, nil
}

// New allocates a boxed number holding value.
func (a *CodeGenNumberAllocator) New(value float64) (uint64, error) {
	addr, err := a.Alloc()
	if err != nil {
		return 0, err
	}
	b := EncodeNumber(a.layout.VTable, value)
	if err := a.sink.Memory().Write(addr, b[:]); err != nil {
		return 0, fmt.Errorf("numalloc: write number %#x: %w", addr, err)
	}
	return addr, nil
}

// Count returns the number of numbers allocated so far.
func (a *CodeGenNumberAllocator) Count() int { return a.count }

// Finalize returns the head of the chunk chain, or nil when nothing was
// allocated. It may be called once.
func (a *CodeGenNumberAllocator) Finalize() *NumberChunk {
	if a.finalized {
		panic("numalloc: Finalize called twice")
	}
	a.finalized = true
	return a.chain.Chain()
}
