package nativedata

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// TypeID selects the replay callback run for a chunk after it has been
// placed at its final address.
type TypeID uint32

// TypeNone marks chunks whose pointers are all covered by fixup entries.
const TypeNone TypeID = 0

// ReplayFunc rewrites the pointers of one placed chunk.
type ReplayFunc func(rc *ReplayContext) error

type typeEntry struct {
	name   string
	replay ReplayFunc
}

var (
	typesMu sync.RWMutex
	types   = []typeEntry{{name: "none"}}
)

// TypePointerArray is a chunk of dense pointer slots holding packed
// handles. Its slots are resolved at replay time instead of through fixup
// entries.
var TypePointerArray = RegisterType("pointer-array", replayPointerArray)

// RegisterType adds a replay callback and returns its id. Ids are assigned
// in registration order, so both sides of a connection must register the
// same types in the same order.
func RegisterType(name string, fn ReplayFunc) TypeID {
	typesMu.Lock()
	defer typesMu.Unlock()
	types = append(types, typeEntry{name: name, replay: fn})
	return TypeID(len(types) - 1)
}

func (t TypeID) valid() bool {
	typesMu.RLock()
	defer typesMu.RUnlock()
	return int(t) < len(types)
}

func (t TypeID) String() string {
	typesMu.RLock()
	defer typesMu.RUnlock()
	if int(t) < len(types) {
		return types[t].name
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

func (t TypeID) replay() ReplayFunc {
	typesMu.RLock()
	defer typesMu.RUnlock()
	if int(t) < len(types) {
		return types[t].replay
	}
	return nil
}

// ChunkInfo locates a chunk inside a flattened buffer.
type ChunkInfo struct {
	Offset uint64
	Len    uint64
	Type   TypeID
}

// ReplayContext is passed to a ReplayFunc for one chunk.
type ReplayContext struct {
	Index uint32
	Info  ChunkInfo
	// Data is the chunk's bytes inside the placed buffer.
	Data []byte

	base   uint64
	chunks []ChunkInfo
}

// Resolve turns a packed handle into an address in the placed buffer.
func (rc *ReplayContext) Resolve(packed uint64) (uint64, error) {
	if packed == 0 {
		return 0, nil
	}
	idx := packed>>32 - 1
	off := packed & 0xffffffff
	if idx >= uint64(len(rc.chunks)) {
		return 0, fmt.Errorf("nativedata: replay chunk %d: handle %#x names chunk %d of %d", rc.Index, packed, idx, len(rc.chunks))
	}
	c := rc.chunks[idx]
	if !inChunk(off, c.Len) {
		return 0, fmt.Errorf("nativedata: replay chunk %d: handle %#x overruns chunk %d", rc.Index, packed, idx)
	}
	return rc.base + c.Offset + off, nil
}

func replayPointerArray(rc *ReplayContext) error {
	for off := 0; off+PointerSize <= len(rc.Data); off += PointerSize {
		v := binary.LittleEndian.Uint64(rc.Data[off:])
		if v == 0 {
			continue
		}
		addr, err := rc.Resolve(v)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(rc.Data[off:], addr)
	}
	return nil
}

// replay runs the callbacks of every typed chunk in chunks over buf, which
// has been placed at base.
func replay(buf []byte, base uint64, chunks []ChunkInfo) error {
	for i, c := range chunks {
		fn := c.Type.replay()
		if fn == nil {
			continue
		}
		if c.Offset+c.Len > uint64(len(buf)) {
			return fmt.Errorf("nativedata: replay chunk %d: outside buffer of %d bytes", i, len(buf))
		}
		rc := &ReplayContext{
			Index:  uint32(i),
			Info:   c,
			Data:   buf[c.Offset : c.Offset+c.Len],
			base:   base,
			chunks: chunks,
		}
		if err := fn(rc); err != nil {
			return err
		}
	}
	return nil
}
