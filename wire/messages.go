// Package wire defines the CBOR messages exchanged between a host and the
// compiler server, the Connect codec that carries them, and the buffer
// compression applied to large native-data payloads.
package wire

import "github.com/chazu/oopjit/jiterr"

// InitializeThreadContextRequest opens a connection for a host thread.
type InitializeThreadContextRequest struct {
	RuntimeBase uint64 `cbor:"1,keyasint"`
	CRTBase     uint64 `cbor:"2,keyasint"`
	InProcess   bool   `cbor:"3,keyasint,omitempty"`
}

// InitializeThreadContextResponse returns the thread handle.
type InitializeThreadContextResponse struct {
	Result                ResultCode `cbor:"1,keyasint"`
	ThreadHandle          string     `cbor:"2,keyasint"`
	PreReservedRegionAddr uint64     `cbor:"3,keyasint"`
}

// InitializeScriptContextRequest opens a script context on a thread.
// NumberVTable and NumberType are host addresses written into every
// boxed number the compiler creates.
type InitializeScriptContextRequest struct {
	ThreadHandle string `cbor:"1,keyasint"`
	NumberVTable uint64 `cbor:"2,keyasint"`
	NumberType   uint64 `cbor:"3,keyasint"`
}

// InitializeScriptContextResponse returns the script handle.
type InitializeScriptContextResponse struct {
	Result       ResultCode `cbor:"1,keyasint"`
	ScriptHandle string     `cbor:"2,keyasint"`
}

// HandleRequest names a thread or script context.
type HandleRequest struct {
	Handle string `cbor:"1,keyasint"`
}

// Ack carries only a result code.
type Ack struct {
	Result ResultCode `cbor:"1,keyasint"`
}

// PropertyRecord is a host property id and its name.
type PropertyRecord struct {
	ID   uint32 `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
}

// UpdatePropertyRecordMapRequest adds and reclaims property records.
type UpdatePropertyRecordMapRequest struct {
	ThreadHandle string           `cbor:"1,keyasint"`
	Added        []PropertyRecord `cbor:"2,keyasint,omitempty"`
	Reclaimed    []uint32         `cbor:"3,keyasint,omitempty"`
}

// SetWellKnownHostTypeIDRequest records the host's well-known type id.
type SetWellKnownHostTypeIDRequest struct {
	ThreadHandle string `cbor:"1,keyasint"`
	TypeID       uint32 `cbor:"2,keyasint"`
}

// AddrRequest names an address in the host on a thread.
type AddrRequest struct {
	ThreadHandle string `cbor:"1,keyasint"`
	Addr         uint64 `cbor:"2,keyasint"`
}

// IsNativeAddrResponse answers IsNativeAddr.
type IsNativeAddrResponse struct {
	Result   ResultCode `cbor:"1,keyasint"`
	IsNative bool       `cbor:"2,keyasint"`
}

// FieldKind says what a record field points at.
type FieldKind uint8

const (
	FieldNil FieldKind = iota
	FieldConstant
	FieldRecord
)

// Field is one pointer field of a record.
type Field struct {
	Kind  FieldKind `cbor:"1,keyasint"`
	Index int       `cbor:"2,keyasint,omitempty"`
}

// Record is an auxiliary object of the compiled function: a fixed run of
// pointer fields referring to boxed constants or other records.
type Record struct {
	Fields []Field `cbor:"1,keyasint"`
}

// WorkItem is the decoded unit of work for one compilation.
type WorkItem struct {
	Name      string    `cbor:"1,keyasint"`
	Constants []float64 `cbor:"2,keyasint,omitempty"`
	Records   []Record  `cbor:"3,keyasint,omitempty"`
	// Helpers are runtime helper addresses local to the compiler; the
	// emitted code calls their host translations.
	Helpers []uint64 `cbor:"4,keyasint,omitempty"`
	// Depth is the nesting depth the compilation will recurse to.
	Depth int  `cbor:"5,keyasint,omitempty"`
	Abort bool `cbor:"6,keyasint,omitempty"`
	// RecordTable adds a pointer array listing every record.
	RecordTable bool `cbor:"7,keyasint,omitempty"`
}

// CodeGenRequest asks for one compilation.
type CodeGenRequest struct {
	ThreadHandle string   `cbor:"1,keyasint"`
	ScriptHandle string   `cbor:"2,keyasint"`
	WorkItem     WorkItem `cbor:"3,keyasint"`
	// DataBase is the host address the native data will be copied to.
	// Zero asks for a relocatable buffer with fixups instead.
	DataBase uint64 `cbor:"4,keyasint,omitempty"`
	// HostNumbers writes boxed numbers straight into host memory.
	HostNumbers bool `cbor:"5,keyasint,omitempty"`
}

// Fixup is a pointer field of a relocatable buffer.
type Fixup struct {
	Source uint64 `cbor:"1,keyasint"`
	Target uint64 `cbor:"2,keyasint"`
}

// ChunkInfo locates a chunk of native data.
type ChunkInfo struct {
	Offset uint64 `cbor:"1,keyasint"`
	Len    uint64 `cbor:"2,keyasint"`
	Type   uint32 `cbor:"3,keyasint,omitempty"`
}

// NativeData is the auxiliary data of a compiled function, either placed
// at Base or relocatable through Fixups.
type NativeData struct {
	Base       uint64      `cbor:"1,keyasint,omitempty"`
	Size       uint64      `cbor:"2,keyasint"`
	Compressed bool        `cbor:"3,keyasint,omitempty"`
	Data       []byte      `cbor:"4,keyasint"`
	Fixups     []Fixup     `cbor:"5,keyasint,omitempty"`
	Chunks     []ChunkInfo `cbor:"6,keyasint,omitempty"`
	// RecordOffsets is the buffer offset of each work-item record.
	RecordOffsets []uint64 `cbor:"7,keyasint,omitempty"`
}

// Segment describes a host page run holding boxed numbers.
type Segment struct {
	Base       uint64 `cbor:"1,keyasint"`
	PageCount  int    `cbor:"2,keyasint"`
	AllocStart uint64 `cbor:"3,keyasint"`
	AllocEnd   uint64 `cbor:"4,keyasint"`
}

// CodeGenResponse is the output of one compilation.
type CodeGenResponse struct {
	Result   ResultCode `cbor:"1,keyasint"`
	Message  string     `cbor:"2,keyasint,omitempty"`
	CodeAddr uint64     `cbor:"3,keyasint,omitempty"`
	CodeSize uint64     `cbor:"4,keyasint,omitempty"`
	Data     NativeData `cbor:"5,keyasint"`
	// Constants holds the address of each work-item constant's boxed number.
	Constants []uint64 `cbor:"6,keyasint,omitempty"`
	// NumberChunks holds the address of every chunk keeping the numbers
	// alive, in chain order.
	NumberChunks []uint64  `cbor:"7,keyasint,omitempty"`
	Segments     []Segment `cbor:"8,keyasint,omitempty"`
}

// ShutdownRequest stops the server.
type ShutdownRequest struct{}

// ResultCode is jiterr.ResultCode on the wire.
type ResultCode = jiterr.ResultCode
