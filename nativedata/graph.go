package nativedata

import (
	"encoding/binary"
	"fmt"
)

// Graph is a finalized, immutable chunk list.
type Graph struct {
	TotalSize uint64

	head   *Chunk
	chunks []*Chunk
}

// Head returns the first chunk.
func (g *Graph) Head() *Chunk { return g.head }

// Count returns the number of chunks.
func (g *Graph) Count() int { return len(g.chunks) }

// FixupCount returns the number of fixup entries across all chunks.
func (g *Graph) FixupCount() int {
	n := 0
	for c := g.head; c != nil; c = c.next {
		for f := c.fixups; f != nil; f = f.next {
			n++
		}
	}
	return n
}

func (g *Graph) infos() []ChunkInfo {
	out := make([]ChunkInfo, len(g.chunks))
	for i, c := range g.chunks {
		out[i] = ChunkInfo{Offset: c.Offset, Len: c.Len, Type: c.Type}
	}
	return out
}

// Flatten copies every chunk to its offset in a new buffer and patches
// each recorded pointer field to base plus its target offset.
func Flatten(g *Graph, base uint64) []byte {
	buf := make([]byte, g.TotalSize)
	for c := g.head; c != nil; c = c.next {
		copy(buf[c.Offset:], c.Data)
	}
	for c := g.head; c != nil; c = c.next {
		for f := c.fixups; f != nil; f = f.next {
			binary.LittleEndian.PutUint64(buf[c.Offset+f.SourceOffset:], base+f.TargetTotalOffset)
		}
	}
	return buf
}

// Replay runs the type callbacks over a buffer produced by Flatten for the
// same base.
func (g *Graph) Replay(buf []byte, base uint64) error {
	if uint64(len(buf)) != g.TotalSize {
		return fmt.Errorf("nativedata: replay: buffer is %d bytes, graph is %d", len(buf), g.TotalSize)
	}
	return replay(buf, base, g.infos())
}

// Place flattens g at base and replays its typed chunks.
func (g *Graph) Place(base uint64) ([]byte, error) {
	buf := Flatten(g, base)
	if err := g.Replay(buf, base); err != nil {
		return nil, err
	}
	return buf, nil
}

// Fixup is a pointer field in a relocatable buffer. Source is the absolute
// offset of the field and Target the offset it points to.
type Fixup struct {
	Source uint64
	Target uint64
}

// Relocatable is a graph's bytes before placement, with pointer fields
// still holding packed handles, plus what is needed to place it later.
type Relocatable struct {
	Data   []byte
	Fixups []Fixup
	Chunks []ChunkInfo
}

// Export converts g into a Relocatable that can be placed without the
// chunk list.
func (g *Graph) Export() *Relocatable {
	r := &Relocatable{
		Data:   make([]byte, g.TotalSize),
		Chunks: g.infos(),
	}
	for c := g.head; c != nil; c = c.next {
		copy(r.Data[c.Offset:], c.Data)
		for f := c.fixups; f != nil; f = f.next {
			r.Fixups = append(r.Fixups, Fixup{Source: c.Offset + f.SourceOffset, Target: f.TargetTotalOffset})
		}
	}
	return r
}

// Apply returns the buffer placed at base.
func (r *Relocatable) Apply(base uint64) ([]byte, error) {
	buf := make([]byte, len(r.Data))
	copy(buf, r.Data)
	for _, f := range r.Fixups {
		if f.Source+PointerSize > uint64(len(buf)) || f.Target > uint64(len(buf)) {
			return nil, fmt.Errorf("nativedata: fixup %#x -> %#x outside buffer of %d bytes", f.Source, f.Target, len(buf))
		}
		binary.LittleEndian.PutUint64(buf[f.Source:], base+f.Target)
	}
	if err := replay(buf, base, r.Chunks); err != nil {
		return nil, err
	}
	return buf, nil
}
