package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/tliron/commonlog"

	"github.com/chazu/oopjit/backend"
	"github.com/chazu/oopjit/hostmem"
	"github.com/chazu/oopjit/jitctx"
	"github.com/chazu/oopjit/jiterr"
	"github.com/chazu/oopjit/nativedata"
	"github.com/chazu/oopjit/numalloc"
	"github.com/chazu/oopjit/wire"
	"github.com/chazu/oopjit/xproc"
)

var errInvalidConnection = errors.New("unknown, mismatched or closed context")

// hostBoxer writes boxed numbers straight into host segments.
type hostBoxer struct {
	segs   *xproc.Segment
	host   *hostmem.Space
	layout numalloc.NumberLayout
}

func (b hostBoxer) New(v float64) (uint64, error) {
	return b.segs.AllocateNumber(b.host, v, b.layout.Type, b.layout.VTable)
}

// compile runs one compilation and reports its outcome as a result code.
// It never returns a transport error.
func (s *JITServer) compile(ctx context.Context, req *wire.CodeGenRequest) *wire.CodeGenResponse {
	start := time.Now()
	resp, err := s.codegen(ctx, req)
	if err != nil {
		resp = &wire.CodeGenResponse{Result: jiterr.CodeOf(err), Message: err.Error()}
		log.Warningf("%s: %s: %s", req.WorkItem.Name, resp.Result, err)
	} else {
		log.Infof("%s: %s of code at %#x, %s of data, %d numbers in %s",
			req.WorkItem.Name,
			units.BytesSize(float64(resp.CodeSize)),
			resp.CodeAddr,
			units.BytesSize(float64(resp.Data.Size)),
			len(resp.Constants),
			time.Since(start))
	}
	s.stats.record(resp.Result)
	return resp
}

// lookup resolves the contexts of a compile request.
func (s *JITServer) lookup(req *wire.CodeGenRequest) (*jitctx.ThreadContext, *jitctx.ScriptContext, error) {
	tc, ok := s.threads.Get(req.ThreadHandle)
	if !ok {
		return nil, nil, jiterr.New(jiterr.KindInvalidConnection, "server: thread "+req.ThreadHandle, errInvalidConnection)
	}
	sc, ok := s.scripts.Get(req.ScriptHandle)
	if !ok || sc.Thread() != tc {
		return nil, nil, jiterr.New(jiterr.KindInvalidConnection, "server: script "+req.ScriptHandle, errInvalidConnection)
	}
	return tc, sc, nil
}

func (s *JITServer) codegen(ctx context.Context, req *wire.CodeGenRequest) (*wire.CodeGenResponse, error) {
	tc, sc, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	tc.BeginJIT()
	defer tc.EndJIT()
	sc.BeginJIT()
	defer sc.EndJIT()
	// Cleanup closes before it waits, so checking after BeginJIT cannot
	// race with a release.
	if tc.Closed() || sc.Closed() {
		return nil, jiterr.New(jiterr.KindInvalidConnection, "server: compile", errInvalidConnection)
	}

	layout := sc.NumberLayout()
	var (
		numbers *numalloc.CodeGenNumberAllocator
		segs    *xproc.Segment
		boxer   backend.NumberBoxer
	)
	if req.HostNumbers && !tc.InProcess() {
		seg, ok := tc.Segments().GetFreeSegment()
		if !ok {
			seg = &xproc.Segment{}
		}
		segs = seg
		boxer = hostBoxer{segs: segs, host: tc.Host(), layout: layout}
	} else {
		numbers = numalloc.NewCodeGenNumberAllocator(tc.NumberSink(), layout)
		boxer = numbers
	}

	data := nativedata.NewAllocator()
	f := &backend.Func{
		Item:       &req.WorkItem,
		Data:       data,
		Numbers:    boxer,
		Translator: tc,
	}
	if err := s.worker.Do(ctx, func() error { return s.backend.Codegen(f) }); err != nil {
		return nil, err
	}

	resp := &wire.CodeGenResponse{Constants: f.Constants}
	if g := data.Finalize(); g != nil {
		nd, err := s.nativeData(g, req.DataBase)
		if err != nil {
			return nil, err
		}
		for _, r := range f.Records {
			nd.RecordOffsets = append(nd.RecordOffsets, data.OffsetOf(r))
		}
		resp.Data = nd
	}

	codeAddr, err := tc.Code().Alloc(f.Code)
	if err != nil {
		return nil, err
	}
	resp.CodeAddr = codeAddr
	resp.CodeSize = uint64(len(f.Code))
	if log.AllowLevel(commonlog.Debug) {
		log.Debugf("%s", codeListing(req.WorkItem.Name, codeAddr, f.Code))
	}

	if err := finishNumbers(tc, numbers, segs, resp); err != nil {
		if ferr := tc.Code().Free(codeAddr); ferr != nil {
			log.Warningf("free code %#x: %s", codeAddr, ferr)
		}
		return nil, err
	}
	return resp, nil
}

// codeListing disassembles code placed at addr for trace logging.
func codeListing(name string, addr uint64, code []byte) string {
	return fmt.Sprintf("%s: %d bytes at %#x\n%s", name, len(code), addr, backend.Format(backend.Disassemble(code, addr)))
}

// nativeData places g at base, or exports it relocatable when base is
// zero, and compresses the result.
func (s *JITServer) nativeData(g *nativedata.Graph, base uint64) (wire.NativeData, error) {
	nd := wire.NativeData{Size: g.TotalSize}
	if base != 0 {
		buf, err := g.Place(base)
		if err != nil {
			return nd, err
		}
		nd.Base = base
		nd.Data = buf
	} else {
		r := g.Export()
		nd.Data = r.Data
		for _, fx := range r.Fixups {
			nd.Fixups = append(nd.Fixups, wire.Fixup{Source: fx.Source, Target: fx.Target})
		}
		for _, c := range r.Chunks {
			nd.Chunks = append(nd.Chunks, wire.ChunkInfo{Offset: c.Offset, Len: c.Len, Type: uint32(c.Type)})
		}
	}
	if err := wire.CompressData(&nd, int(s.cfg.Server.CompressMinBytes)); err != nil {
		return nd, err
	}
	return nd, nil
}

// finishNumbers hands the compilation's numbers to the thread: the chunk
// chain is finalized, or the host segments are registered.
func finishNumbers(tc *jitctx.ThreadContext, numbers *numalloc.CodeGenNumberAllocator, segs *xproc.Segment, resp *wire.CodeGenResponse) error {
	if numbers != nil {
		if chain := numbers.Finalize(); chain != nil {
			resp.NumberChunks = chain.Addrs()
		}
		if tc.InProcess() {
			return nil
		}
		return tc.Numbers().Integrate()
	}

	if segs.Base == 0 {
		return nil
	}
	for seg := segs; seg != nil; seg = seg.Next {
		resp.Segments = append(resp.Segments, wire.Segment{
			Base:       seg.Base,
			PageCount:  seg.PageCount,
			AllocStart: seg.AllocStart,
			AllocEnd:   seg.AllocEnd,
		})
	}
	chain, err := tc.Segments().RegisterSegments(segs)
	if err != nil {
		return err
	}
	resp.NumberChunks = chain.Addrs()
	return nil
}
