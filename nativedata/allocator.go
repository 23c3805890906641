// Package nativedata packs a graph of compiler output objects into one
// contiguous relocatable buffer. Each object lives in its own chunk; every
// pointer between objects is recorded as a fixup so the buffer can be
// placed at any base address in another process.
package nativedata

import (
	"encoding/binary"
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("oopjit.nativedata")

// PointerSize is the width of a pointer in the target process.
const PointerSize = 8

// Chunk is one allocated object. Offset is the chunk's position in the
// flattened buffer and equals the aligned sum of the lengths of all chunks
// allocated before it.
type Chunk struct {
	Len        uint64
	AllocIndex uint32
	Offset     uint64
	Type       TypeID
	Data       []byte

	fixups *FixupEntry
	next   *Chunk
}

// Next returns the chunk allocated after c.
func (c *Chunk) Next() *Chunk { return c.next }

// Fixups returns the head of c's fixup list, most recent first.
func (c *Chunk) Fixups() *FixupEntry { return c.fixups }

// FixupEntry records one pointer field inside a chunk. SourceOffset is
// relative to the owning chunk; TargetTotalOffset is relative to the start
// of the flattened buffer.
type FixupEntry struct {
	SourceOffset      uint64
	TargetTotalOffset uint64

	next *FixupEntry
}

// Next returns the following entry in the list.
func (f *FixupEntry) Next() *FixupEntry { return f.next }

// Ref is a handle to a position inside a chunk of an Allocator. The zero
// Ref is nil.
type Ref struct {
	a   *Allocator
	idx uint32
	off uint32
}

// IsNil reports whether r refers to nothing.
func (r Ref) IsNil() bool { return r.a == nil }

// Add returns the Ref n bytes further into the same chunk.
func (r Ref) Add(n int) Ref {
	r.off = uint32(int(r.off) + n)
	return r
}

// Start returns the Ref to the first byte of r's chunk.
func (r Ref) Start() Ref {
	r.off = 0
	return r
}

// Index returns the allocation index of r's chunk.
func (r Ref) Index() uint32 { return r.idx }

// Off returns r's displacement inside its chunk.
func (r Ref) Off() uint32 { return r.off }

// Pack encodes r as a non-zero word that can be stored in a pointer slot
// and decoded again with Unpack. The nil Ref packs to zero.
func (r Ref) Pack() uint64 {
	if r.IsNil() {
		return 0
	}
	return uint64(r.idx+1)<<32 | uint64(r.off)
}

// Allocator hands out chunks for one compilation. It is not safe for
// concurrent use.
type Allocator struct {
	chunks    []*Chunk
	head      *Chunk
	tail      *Chunk
	totalSize uint64
	finalized bool
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// Alloc allocates a chunk of size bytes rounded up to the pointer size and
// returns a Ref to its start along with its payload. A zero size takes no
// space in the buffer.
func (a *Allocator) Alloc(size int) (Ref, []byte) {
	return a.AllocTyped(size, TypeNone)
}

// AllocZero is Alloc with the payload explicitly cleared.
func (a *Allocator) AllocZero(size int) (Ref, []byte) {
	r, b := a.Alloc(size)
	clear(b)
	return r, b
}

// AllocTyped allocates a chunk whose contents are replayed by the
// callback registered for typ.
func (a *Allocator) AllocTyped(size int, typ TypeID) (Ref, []byte) {
	if a.finalized {
		panic("nativedata: Alloc after Finalize")
	}
	if size < 0 {
		panic(fmt.Sprintf("nativedata: negative size %d", size))
	}
	if !typ.valid() {
		panic(fmt.Sprintf("nativedata: unregistered type %d", typ))
	}
	n := alignUp(uint64(size), PointerSize)
	c := &Chunk{
		Len:        n,
		AllocIndex: uint32(len(a.chunks)),
		Offset:     a.totalSize,
		Type:       typ,
		Data:       make([]byte, n),
	}
	a.totalSize += n
	a.chunks = append(a.chunks, c)
	if a.tail == nil {
		a.head = c
	} else {
		a.tail.next = c
	}
	a.tail = c
	return Ref{a: a, idx: c.AllocIndex}, c.Data
}

// AllocZeroTyped is AllocTyped with the payload explicitly cleared.
func (a *Allocator) AllocZeroTyped(size int, typ TypeID) (Ref, []byte) {
	r, b := a.AllocTyped(size, typ)
	clear(b)
	return r, b
}

// TotalSize returns the size the flattened buffer will have.
func (a *Allocator) TotalSize() uint64 { return a.totalSize }

// Count returns the number of chunks allocated.
func (a *Allocator) Count() int { return len(a.chunks) }

// chunkOf resolves r to its chunk, panicking if r does not belong to a.
func (a *Allocator) chunkOf(r Ref) *Chunk {
	if r.a != a {
		panic("nativedata: reference belongs to another allocator")
	}
	if int(r.idx) >= len(a.chunks) {
		panic(fmt.Sprintf("nativedata: chunk index %d out of range", r.idx))
	}
	c := a.chunks[r.idx]
	if !inChunk(uint64(r.off), c.Len) {
		panic(fmt.Sprintf("nativedata: offset %d beyond chunk %d of %d bytes", r.off, r.idx, c.Len))
	}
	return c
}

// inChunk reports whether off lies inside a chunk of n bytes. The start of
// an empty chunk is a valid position.
func inChunk(off, n uint64) bool {
	return off < n || off == 0
}

// OffsetOf returns r's position in the flattened buffer.
func (a *Allocator) OffsetOf(r Ref) uint64 {
	return a.chunkOf(r).Offset + uint64(r.off)
}

// Unpack decodes a word produced by Ref.Pack.
func (a *Allocator) Unpack(v uint64) Ref {
	if v == 0 {
		return Ref{}
	}
	r := Ref{a: a, idx: uint32(v>>32) - 1, off: uint32(v)}
	a.chunkOf(r)
	return r
}

// Bytes returns the payload of r's chunk starting at r.
func (a *Allocator) Bytes(r Ref) []byte {
	c := a.chunkOf(r)
	return c.Data[r.off:]
}

// PutUint64 stores v at field.
func (a *Allocator) PutUint64(field Ref, v uint64) {
	c := a.chunkOf(field)
	if uint64(field.off)+PointerSize > c.Len {
		panic(fmt.Sprintf("nativedata: word at %d overruns chunk %d", field.off, field.idx))
	}
	binary.LittleEndian.PutUint64(c.Data[field.off:], v)
}

// AddFixupEntry records that the pointer field at field, inside the object
// starting at start, points at target inside the object starting at
// targetStart. A nil target records nothing.
func (a *Allocator) AddFixupEntry(target, targetStart, field, start Ref) {
	if target.IsNil() {
		return
	}
	if a.finalized {
		panic("nativedata: AddFixupEntry after Finalize")
	}
	tc := a.chunkOf(target)
	sc := a.chunkOf(field)
	if sc.Type.replay() != nil {
		panic(fmt.Sprintf("nativedata: fixup inside chunk %d, whose %s slots are replayed", sc.AllocIndex, sc.Type))
	}
	if a.chunkOf(targetStart) != tc || a.chunkOf(start) != sc {
		panic("nativedata: fixup start does not share a chunk with its address")
	}
	if start.off != 0 || targetStart.off != 0 {
		panic("nativedata: fixup start is not the start of an allocation")
	}
	src := uint64(field.off - start.off)
	if src%PointerSize != 0 || src+PointerSize > sc.Len {
		panic(fmt.Sprintf("nativedata: misplaced pointer field at %d in chunk %d", src, sc.AllocIndex))
	}
	sc.fixups = &FixupEntry{
		SourceOffset:      src,
		TargetTotalOffset: tc.Offset + uint64(target.off-targetStart.off),
		next:              sc.fixups,
	}
}

// AddFixup records a fixup for field pointing at target, using the starts
// of their chunks.
func (a *Allocator) AddFixup(target, field Ref) {
	a.AddFixupEntry(target, target.Start(), field, field.Start())
}

// PutPointer stores target's packed handle in field and records the fixup.
// A nil target stores zero.
func (a *Allocator) PutPointer(field, target Ref) {
	a.PutUint64(field, target.Pack())
	a.AddFixup(target, field)
}

// AddFixupEntryForPointerArray records a fixup for every non-zero slot of
// the chunk at arrayStart. The slots must hold packed handles. Typed arrays
// such as TypePointerArray resolve their slots at replay time and must not
// be passed here.
func (a *Allocator) AddFixupEntryForPointerArray(arrayStart Ref) {
	c := a.chunkOf(arrayStart)
	if c.Type.replay() != nil {
		panic(fmt.Sprintf("nativedata: chunk %d is a %s, its slots are resolved at replay", c.AllocIndex, c.Type))
	}
	for off := uint64(0); off+PointerSize <= c.Len; off += PointerSize {
		v := binary.LittleEndian.Uint64(c.Data[off:])
		if v == 0 {
			continue
		}
		t := a.Unpack(v)
		a.AddFixupEntry(t, t.Start(), Ref{a: a, idx: c.AllocIndex, off: uint32(off)}, arrayStart.Start())
	}
}

// VerifyFixup reports whether a fixup from field to target has been
// recorded in the chunk starting at start.
func (a *Allocator) VerifyFixup(target, field, start Ref) bool {
	sc := a.chunkOf(start)
	if target.IsNil() {
		return false
	}
	tc := a.chunkOf(target)
	want := tc.Offset + uint64(target.off)
	src := uint64(field.off - start.off)
	for f := sc.fixups; f != nil; f = f.next {
		if f.SourceOffset == src && f.TargetTotalOffset == want {
			return true
		}
	}
	return false
}

// Describe returns a one-line description of r's chunk.
func (a *Allocator) Describe(r Ref) string {
	c := a.chunkOf(r)
	return fmt.Sprintf("chunk %d: type=%s len=%d offset=%#x", c.AllocIndex, c.Type, c.Len, c.Offset)
}

// Finalize hands over the chunk list as a Graph. It returns nil when
// nothing was allocated. The allocator accepts no further allocations.
func (a *Allocator) Finalize() *Graph {
	a.finalized = true
	if a.head == nil {
		return nil
	}
	g := &Graph{head: a.head, chunks: a.chunks, TotalSize: a.totalSize}
	log.Debugf("finalized %d chunks, %d bytes", len(a.chunks), a.totalSize)
	a.head, a.tail = nil, nil
	return g
}
