package backend

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Inst is a decoded x86-64 instruction.
type Inst struct {
	Addr uint64
	Len  int
	Op   string
	Text string
	// Imm is the immediate operand, if any.
	Imm int64
}

// Disassemble decodes code placed at base. Bytes that do not decode are
// reported as single-byte .byte entries.
func Disassemble(code []byte, base uint64) []Inst {
	var out []Inst
	for off := 0; off < len(code); {
		addr := base + uint64(off)
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			out = append(out, Inst{Addr: addr, Len: 1, Op: ".byte", Text: fmt.Sprintf(".byte 0x%02x", code[off])})
			off++
			continue
		}
		in := Inst{
			Addr: addr,
			Len:  inst.Len,
			Op:   strings.ToLower(inst.Op.String()),
			Text: x86asm.IntelSyntax(inst, addr, nil),
		}
		for _, a := range inst.Args {
			if imm, ok := a.(x86asm.Imm); ok {
				in.Imm = int64(imm)
			}
		}
		out = append(out, in)
		off += inst.Len
	}
	return out
}

// Format renders instructions one per line.
func Format(insts []Inst) string {
	var b strings.Builder
	for _, in := range insts {
		fmt.Fprintf(&b, "0x%08x  %s\n", in.Addr, in.Text)
	}
	return b.String()
}

// CallTargets returns the immediates loaded into rax right before each
// call rax, in code order.
func CallTargets(insts []Inst) []uint64 {
	var out []uint64
	for i := 1; i < len(insts); i++ {
		if insts[i].Op == "call" && insts[i-1].Op == "mov" {
			out = append(out, uint64(insts[i-1].Imm))
		}
	}
	return out
}
