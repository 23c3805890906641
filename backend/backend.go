// Package backend turns a work item into native code and auxiliary data.
// The Literal backend boxes the work item's constants, lays out its
// records with pointer fixups and emits a call to each runtime helper.
package backend

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/oopjit/jiterr"
	"github.com/chazu/oopjit/nativedata"
	"github.com/chazu/oopjit/wire"
)

var log = commonlog.GetLogger("oopjit.backend")

// NumberBoxer creates boxed numbers for a compilation.
type NumberBoxer interface {
	New(value float64) (uint64, error)
}

// AddrTranslator maps local runtime addresses into the host.
type AddrTranslator interface {
	TranslateRuntimeAddr(addr uint64) uint64
}

// Func is the state of one compilation.
type Func struct {
	Item       *wire.WorkItem
	Data       *nativedata.Allocator
	Numbers    NumberBoxer
	Translator AddrTranslator

	// Code is the emitted machine code.
	Code []byte
	// Constants holds the boxed number of each work-item constant.
	Constants []uint64
	// Records holds the chunk of each work-item record.
	Records []nativedata.Ref
	// RecordTable is a pointer array listing every record, when the work
	// item asks for one.
	RecordTable nativedata.Ref
}

// Backend compiles a Func. Stack overflow and abort are raised as
// *jiterr.Error panics; other failures are returned.
type Backend interface {
	Codegen(f *Func) error
}

// DefaultMaxDepth is the recursion budget when Literal.MaxDepth is zero.
const DefaultMaxDepth = 64

// Literal is a backend that emits code literally from the work item.
type Literal struct {
	MaxDepth int
}

func (b Literal) maxDepth() int {
	if b.MaxDepth > 0 {
		return b.MaxDepth
	}
	return DefaultMaxDepth
}

// Codegen implements Backend.
func (b Literal) Codegen(f *Func) error {
	item := f.Item
	if item.Abort {
		jiterr.Throw(jiterr.KindAborted, "backend: codegen "+item.Name)
	}
	b.descend(0, item.Depth)

	f.Constants = make([]uint64, len(item.Constants))
	for i, v := range item.Constants {
		addr, err := f.Numbers.New(v)
		if err != nil {
			return fmt.Errorf("backend: box constant %d: %w", i, err)
		}
		f.Constants[i] = addr
	}

	if err := b.layoutRecords(f); err != nil {
		return err
	}

	var e Emitter
	for _, h := range item.Helpers {
		e.MovRAXImm64(f.Translator.TranslateRuntimeAddr(h))
		e.CallRAX()
	}
	e.Ret()
	f.Code = e.Bytes()
	log.Debugf("%s: %d bytes of code, %d constants, %d records", item.Name, len(f.Code), len(f.Constants), len(f.Records))
	return nil
}

// descend walks the work item's nesting levels, failing once the budget
// is exhausted.
func (b Literal) descend(depth, target int) {
	if depth > b.maxDepth() {
		panic(fmt.Errorf("backend: depth %d: %w", depth, jiterr.ErrStackOverflow))
	}
	if depth < target {
		b.descend(depth+1, target)
	}
}

func (b Literal) layoutRecords(f *Func) error {
	records := f.Item.Records
	if len(records) == 0 {
		return nil
	}
	f.Records = make([]nativedata.Ref, len(records))
	for i, r := range records {
		f.Records[i], _ = f.Data.AllocZero(len(r.Fields) * nativedata.PointerSize)
	}
	for i, r := range records {
		for j, fld := range r.Fields {
			slot := f.Records[i].Add(j * nativedata.PointerSize)
			switch fld.Kind {
			case wire.FieldNil:
			case wire.FieldConstant:
				if fld.Index < 0 || fld.Index >= len(f.Constants) {
					return fmt.Errorf("backend: record %d field %d: no constant %d", i, j, fld.Index)
				}
				// boxed numbers live outside the data buffer
				f.Data.PutUint64(slot, f.Constants[fld.Index])
			case wire.FieldRecord:
				if fld.Index < 0 || fld.Index >= len(records) {
					return fmt.Errorf("backend: record %d field %d: no record %d", i, j, fld.Index)
				}
				f.Data.PutPointer(slot, f.Records[fld.Index])
			default:
				return fmt.Errorf("backend: record %d field %d: unknown kind %d", i, j, fld.Kind)
			}
		}
	}

	if !f.Item.RecordTable {
		return nil
	}
	table, _ := f.Data.AllocZeroTyped(len(records)*nativedata.PointerSize, nativedata.TypePointerArray)
	for i, r := range f.Records {
		f.Data.PutUint64(table.Add(i*nativedata.PointerSize), r.Pack())
	}
	f.RecordTable = table
	return nil
}
