package backend

import "encoding/binary"

// Emitter assembles the few x86-64 instructions the literal backend
// produces.
type Emitter struct {
	buf []byte
}

// MovRAXImm64 emits mov rax, imm64.
func (e *Emitter) MovRAXImm64(v uint64) {
	e.buf = append(e.buf, 0x48, 0xb8)
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

// CallRAX emits call rax.
func (e *Emitter) CallRAX() {
	e.buf = append(e.buf, 0xff, 0xd0)
}

// Ret emits ret.
func (e *Emitter) Ret() {
	e.buf = append(e.buf, 0xc3)
}

// Bytes returns the code emitted so far.
func (e *Emitter) Bytes() []byte { return e.buf }

