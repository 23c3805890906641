// Package numalloc allocates boxed numbers and the chunk records that
// batch them, in blocks that are later handed over to the destination
// heap's collector.
package numalloc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/oopjit/hostmem"
)

const (
	// NumberSize is the allocation size of one boxed number:
	// a vtable word followed by the IEEE-754 value.
	NumberSize = 16
	// MaxNumberCount is the number of slots in a NumberChunk.
	MaxNumberCount = 3
	// ChunkSize is the allocation size of a NumberChunk: the slots
	// followed by the link to the next chunk.
	ChunkSize = (MaxNumberCount + 1) * 8
)

// NumberLayout carries the host-valid addresses a boxed number's header
// must hold.
type NumberLayout struct {
	VTable uint64
	Type   uint64
}

// EncodeNumber builds the bytes of a boxed number.
func EncodeNumber(vtable uint64, value float64) [NumberSize]byte {
	var b [NumberSize]byte
	binary.LittleEndian.PutUint64(b[0:8], vtable)
	binary.LittleEndian.PutUint64(b[8:16], math.Float64bits(value))
	return b
}

// ReadNumber decodes the boxed number at addr.
func ReadNumber(mem *hostmem.Space, addr uint64) (vtable uint64, value float64, err error) {
	b, err := mem.Read(addr, NumberSize)
	if err != nil {
		return 0, 0, fmt.Errorf("numalloc: read number %#x: %w", addr, err)
	}
	return binary.LittleEndian.Uint64(b[0:8]), math.Float64frombits(binary.LittleEndian.Uint64(b[8:16])), nil
}

// NumberChunk batches the boxed numbers produced by one compilation so the
// collector tracks the batch instead of each number.
type NumberChunk struct {
	Addr    uint64
	Numbers []uint64
	Next    *NumberChunk
}

// Len returns the number of chunks in the chain starting at c.
func (c *NumberChunk) Len() int {
	n := 0
	for ; c != nil; c = c.Next {
		n++
	}
	return n
}

// All returns every number address in the chain, in chain order.
func (c *NumberChunk) All() []uint64 {
	var out []uint64
	for ; c != nil; c = c.Next {
		out = append(out, c.Numbers...)
	}
	return out
}

// Addrs returns the address of every chunk in the chain.
func (c *NumberChunk) Addrs() []uint64 {
	var out []uint64
	for ; c != nil; c = c.Next {
		out = append(out, c.Addr)
	}
	return out
}

// setNumber stores slot i of the chunk record in memory.
func (c *NumberChunk) setNumber(mem *hostmem.Space, i int, number uint64) error {
	return mem.WriteUint64(c.Addr+uint64(i)*8, number)
}

// setNext links c to next, both in Go and in memory.
func (c *NumberChunk) setNext(mem *hostmem.Space, next *NumberChunk) error {
	c.Next = next
	var addr uint64
	if next != nil {
		addr = next.Addr
	}
	return mem.WriteUint64(c.Addr+MaxNumberCount*8, addr)
}

// ChainBuilder threads numbers onto a chain of chunks, opening a new chunk
// at the tail whenever the current one is full.
type ChainBuilder struct {
	alloc func() (uint64, error)
	mem   *hostmem.Space
	head  *NumberChunk
	tail  *NumberChunk
}

// NewChainBuilder returns a builder allocating chunk records with alloc
// and writing them to mem.
func NewChainBuilder(mem *hostmem.Space, alloc func() (uint64, error)) *ChainBuilder {
	return &ChainBuilder{alloc: alloc, mem: mem}
}

// Add appends a number to the chain.
func (b *ChainBuilder) Add(number uint64) error {
	if b.tail == nil || len(b.tail.Numbers) == MaxNumberCount {
		addr, err := b.alloc()
		if err != nil {
			return err
		}
		c := &NumberChunk{Addr: addr}
		// a new chunk always goes last, so a partially filled chunk block
		// never leaves a broken link behind it
		if b.tail != nil {
			if err := b.tail.setNext(b.mem, c); err != nil {
				return fmt.Errorf("numalloc: link chunk: %w", err)
			}
		} else {
			b.head = c
		}
		b.tail = c
	}
	if err := b.tail.setNumber(b.mem, len(b.tail.Numbers), number); err != nil {
		return fmt.Errorf("numalloc: store number: %w", err)
	}
	b.tail.Numbers = append(b.tail.Numbers, number)
	return nil
}

// Chain returns the head of the chain built so far and resets the builder.
func (b *ChainBuilder) Chain() *NumberChunk {
	head := b.head
	b.head, b.tail = nil, nil
	return head
}
