package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/oopjit/backend"
	"github.com/chazu/oopjit/client"
	"github.com/chazu/oopjit/jiterr"
	"github.com/chazu/oopjit/numalloc"
	"github.com/chazu/oopjit/wire"
)

func resultOf(t *testing.T, err error) wire.ResultCode {
	t.Helper()
	var re *client.ResultError
	if !errors.As(err, &re) {
		t.Fatalf("expected a result error, got %v", err)
	}
	return re.Code
}

// ---------------------------------------------------------------------------
// End-to-end compilation
// ---------------------------------------------------------------------------

func TestRemoteCodeGen_LinkedPair(t *testing.T) {
	e := testShared
	thread, script := e.openContexts(t, false)

	resp, err := e.Client.CodeGen(bg(), &wire.CodeGenRequest{
		ThreadHandle: thread,
		ScriptHandle: script,
		WorkItem:     linkedPair(),
	})
	if err != nil {
		t.Fatalf("CodeGen: %v", err)
	}

	// one number chunk holding both numbers in allocation order
	if len(resp.NumberChunks) != 1 {
		t.Fatalf("NumberChunks = %d, want 1", len(resp.NumberChunks))
	}
	numbers, err := client.WalkNumberChunks(e.Host, resp.NumberChunks[0])
	if err != nil {
		t.Fatalf("WalkNumberChunks: %v", err)
	}
	if len(numbers) != 2 || numbers[0] != resp.Constants[0] || numbers[1] != resp.Constants[1] {
		t.Errorf("chunk holds %#x, constants %#x", numbers, resp.Constants)
	}
	values, err := client.ReadNumbers(e.Host, resp.Constants)
	if err != nil {
		t.Fatalf("ReadNumbers: %v", err)
	}
	if values[0] != 3.14 || values[1] != 2.71 {
		t.Errorf("values = %v", values)
	}
	vtable, _, err := numalloc.ReadNumber(e.Host, resp.Constants[0])
	if err != nil || vtable != testNumberVTable {
		t.Errorf("vtable = %#x, %v", vtable, err)
	}

	// two chunks, one fixup
	if len(resp.Data.Chunks) != 2 || len(resp.Data.Fixups) != 1 {
		t.Fatalf("chunks = %d, fixups = %d", len(resp.Data.Chunks), len(resp.Data.Fixups))
	}
	base, err := client.ApplyOutput(e.Host, resp)
	if err != nil {
		t.Fatalf("ApplyOutput: %v", err)
	}
	buf, err := e.Host.Read(base, int(resp.Data.Size))
	if err != nil {
		t.Fatal(err)
	}
	second := resp.Data.RecordOffsets[1]
	if got := binary.LittleEndian.Uint64(buf[8:]); got != base+second {
		t.Errorf("record0[1] = %#x, want %#x", got, base+second)
	}
	if got := binary.LittleEndian.Uint64(buf[0:]); got != resp.Constants[0] {
		t.Errorf("record0[0] = %#x, want %#x", got, resp.Constants[0])
	}

	// emitted code calls the helper at its host address
	code, err := e.Host.Read(resp.CodeAddr, int(resp.CodeSize))
	if err != nil {
		t.Fatal(err)
	}
	targets := backend.CallTargets(backend.Disassemble(code, resp.CodeAddr))
	if len(targets) != 1 || targets[0] != testRuntimeBase+0x1000 {
		t.Errorf("call targets = %#x", targets)
	}

	native, err := e.Client.IsNativeAddr(bg(), thread, resp.CodeAddr+1)
	if err != nil || !native {
		t.Errorf("IsNativeAddr = %v, %v", native, err)
	}
	if err := e.Client.FreeAllocation(bg(), thread, resp.CodeAddr); err != nil {
		t.Fatalf("FreeAllocation: %v", err)
	}
	if native, _ := e.Client.IsNativeAddr(bg(), thread, resp.CodeAddr); native {
		t.Error("freed code still reported native")
	}
}

func TestCodeListing(t *testing.T) {
	var em backend.Emitter
	em.MovRAXImm64(testRuntimeBase + 0x1000)
	em.CallRAX()
	em.Ret()
	out := codeListing("pair", 0x10000, em.Bytes())
	for _, want := range []string{"pair: 13 bytes at 0x10000", "call rax", "ret"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing lacks %q:\n%s", want, out)
		}
	}
}

func TestRemoteCodeGen_PlacedData(t *testing.T) {
	e := testShared
	thread, script := e.openContexts(t, false)

	dataBase, err := e.Host.ReserveCommit(1)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := e.Client.CodeGen(bg(), &wire.CodeGenRequest{
		ThreadHandle: thread,
		ScriptHandle: script,
		WorkItem:     linkedPair(),
		DataBase:     dataBase,
	})
	if err != nil {
		t.Fatalf("CodeGen: %v", err)
	}
	if resp.Data.Base != dataBase || len(resp.Data.Fixups) != 0 {
		t.Errorf("Data = base %#x, %d fixups", resp.Data.Base, len(resp.Data.Fixups))
	}
	if _, err := client.ApplyOutput(e.Host, resp); err != nil {
		t.Fatalf("ApplyOutput: %v", err)
	}
	got, err := e.Host.ReadUint64(dataBase + 8)
	if err != nil {
		t.Fatal(err)
	}
	if want := dataBase + resp.Data.RecordOffsets[1]; got != want {
		t.Errorf("placed pointer = %#x, want %#x", got, want)
	}
}

func TestRemoteCodeGen_RecordTable(t *testing.T) {
	e := testShared
	thread, script := e.openContexts(t, false)

	item := linkedPair()
	item.RecordTable = true
	resp, err := e.Client.CodeGen(bg(), &wire.CodeGenRequest{ThreadHandle: thread, ScriptHandle: script, WorkItem: item})
	if err != nil {
		t.Fatalf("CodeGen: %v", err)
	}
	base, err := client.ApplyOutput(e.Host, resp)
	if err != nil {
		t.Fatalf("ApplyOutput: %v", err)
	}
	// the table is the last chunk and its slots are resolved by replay
	table := resp.Data.Chunks[len(resp.Data.Chunks)-1]
	for i, off := range resp.Data.RecordOffsets {
		got, err := e.Host.ReadUint64(base + table.Offset + uint64(i)*8)
		if err != nil {
			t.Fatal(err)
		}
		if got != base+off {
			t.Errorf("table[%d] = %#x, want %#x", i, got, base+off)
		}
	}
}

func TestRemoteCodeGen_Compressed(t *testing.T) {
	cfg := testConfig()
	cfg.Server.CompressMinBytes = 64
	e := newTestEnv(t, cfg)
	thread, script := e.openContexts(t, false)

	item := wire.WorkItem{Name: "wide", Constants: []float64{1}}
	fields := make([]wire.Field, 64)
	for i := range fields {
		fields[i] = wire.Field{Kind: wire.FieldConstant}
	}
	item.Records = []wire.Record{{Fields: fields}}

	resp, err := e.Client.CodeGen(bg(), &wire.CodeGenRequest{ThreadHandle: thread, ScriptHandle: script, WorkItem: item})
	if err != nil {
		t.Fatalf("CodeGen: %v", err)
	}
	if !resp.Data.Compressed {
		t.Fatal("data above the threshold was not compressed")
	}
	base, err := client.ApplyOutput(e.Host, resp)
	if err != nil {
		t.Fatalf("ApplyOutput: %v", err)
	}
	got, err := e.Host.ReadUint64(base + 63*8)
	if err != nil || got != resp.Constants[0] {
		t.Errorf("last field = %#x, %v", got, err)
	}
}

func TestRemoteCodeGen_HostNumbers(t *testing.T) {
	e := testShared
	thread, script := e.openContexts(t, false)

	req := &wire.CodeGenRequest{ThreadHandle: thread, ScriptHandle: script, WorkItem: linkedPair(), HostNumbers: true}
	first, err := e.Client.CodeGen(bg(), req)
	if err != nil {
		t.Fatalf("CodeGen: %v", err)
	}
	if len(first.Segments) != 1 {
		t.Fatalf("Segments = %+v", first.Segments)
	}
	seg := first.Segments[0]
	if seg.AllocEnd-seg.AllocStart != 2*numalloc.NumberSize {
		t.Errorf("segment holds %d bytes", seg.AllocEnd-seg.AllocStart)
	}
	values, err := client.ReadNumbers(e.Host, first.Constants)
	if err != nil || values[0] != 3.14 || values[1] != 2.71 {
		t.Errorf("values = %v, %v", values, err)
	}
	registered, err := client.WalkNumberChunks(e.Host, first.NumberChunks[0])
	if err != nil || len(registered) != 2 {
		t.Errorf("registered = %#x, %v", registered, err)
	}

	// the next compile keeps filling the same segment
	second, err := e.Client.CodeGen(bg(), req)
	if err != nil {
		t.Fatalf("CodeGen: %v", err)
	}
	if len(second.Segments) != 1 || second.Segments[0].Base != seg.Base || second.Segments[0].AllocStart != seg.AllocEnd {
		t.Errorf("second compile segments = %+v, first = %+v", second.Segments, seg)
	}
}

func TestRemoteCodeGen_InProcess(t *testing.T) {
	e := testShared
	thread, script := e.openContexts(t, true)

	resp, err := e.Client.CodeGen(bg(), &wire.CodeGenRequest{ThreadHandle: thread, ScriptHandle: script, WorkItem: linkedPair()})
	if err != nil {
		t.Fatalf("CodeGen: %v", err)
	}
	values, err := client.ReadNumbers(e.Host, resp.Constants)
	if err != nil || values[0] != 3.14 || values[1] != 2.71 {
		t.Errorf("values = %v, %v", values, err)
	}
	tc, _ := e.Server.threads.Get(thread)
	if st := tc.Numbers().Stats(); st.NumberBlockRollovers != 0 {
		t.Errorf("in-process compile used the thread allocator: %+v", st)
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestRemoteCodeGen_ErrorIsolation(t *testing.T) {
	e := testShared
	thread, script := e.openContexts(t, false)

	aborted := linkedPair()
	aborted.Abort = true
	_, err := e.Client.CodeGen(bg(), &wire.CodeGenRequest{ThreadHandle: thread, ScriptHandle: script, WorkItem: aborted})
	if code := resultOf(t, err); code != jiterr.ResultAborted {
		t.Errorf("aborted compile = %s", code)
	}

	deep := linkedPair()
	deep.Depth = 10 * backend.DefaultMaxDepth
	_, err = e.Client.CodeGen(bg(), &wire.CodeGenRequest{ThreadHandle: thread, ScriptHandle: script, WorkItem: deep})
	if code := resultOf(t, err); code != jiterr.ResultStackOverflow {
		t.Errorf("deep compile = %s", code)
	}

	resp, err := e.Client.CodeGen(bg(), &wire.CodeGenRequest{ThreadHandle: thread, ScriptHandle: script, WorkItem: linkedPair()})
	if err != nil {
		t.Fatalf("compile after failures: %v", err)
	}
	if len(resp.Constants) != 2 {
		t.Errorf("Constants = %#x", resp.Constants)
	}
	tc, _ := e.Server.threads.Get(thread)
	if n := tc.ActiveJITs(); n != 0 {
		t.Errorf("ActiveJITs = %d after failures", n)
	}
}

func TestRemoteCodeGen_OutOfMemory(t *testing.T) {
	e := newTestEnv(t, testConfig())
	thread, script := e.openContexts(t, false)

	e.Host.SetLimit(e.Host.Stats().Reserved)
	req := &wire.CodeGenRequest{ThreadHandle: thread, ScriptHandle: script, WorkItem: linkedPair(), HostNumbers: true}
	_, err := e.Client.CodeGen(bg(), req)
	if code := resultOf(t, err); code != jiterr.ResultOutOfMemory {
		t.Errorf("compile without memory = %s", code)
	}

	e.Host.SetLimit(0)
	if _, err := e.Client.CodeGen(bg(), req); err != nil {
		t.Errorf("compile after memory returned: %v", err)
	}
}

func TestRemoteCodeGen_OutOfMemoryKeepsHeap(t *testing.T) {
	cfg := testConfig()
	cfg.Alloc.SegmentPages = 1
	e := newTestEnv(t, cfg)
	thread, script := e.openContexts(t, false)
	tc, _ := e.Server.threads.Get(thread)
	heap := tc.Heap()

	// 600 numbers span three one-block segments
	many := wire.WorkItem{Name: "many", Constants: make([]float64, 600)}
	for i := range many.Constants {
		many.Constants[i] = float64(i) + 0.5
	}
	req := &wire.CodeGenRequest{ThreadHandle: thread, ScriptHandle: script, WorkItem: many}

	first, err := e.Client.CodeGen(bg(), req)
	if err != nil {
		t.Fatalf("first compile: %v", err)
	}
	e.Server.MaintainAll()
	before := heap.Blocks()
	if len(before) == 0 {
		t.Fatal("no blocks integrated after maintenance")
	}
	earlier := make(map[uint64]bool)
	for _, a := range append(first.Constants, first.NumberChunks...) {
		earlier[a] = true
	}

	e.Host.SetLimit(e.Host.Stats().Reserved)
	_, err = e.Client.CodeGen(bg(), req)
	if code := resultOf(t, err); code != jiterr.ResultOutOfMemory {
		t.Fatalf("compile without memory = %s", code)
	}
	after := heap.Blocks()
	if len(after) != len(before) {
		t.Fatalf("failed compile changed the heap: %d blocks, had %d", len(after), len(before))
	}
	for i := range before {
		if after[i] != before[i] {
			t.Errorf("block %d changed: %+v, was %+v", i, after[i], before[i])
		}
	}

	e.Host.SetLimit(0)
	next, err := e.Client.CodeGen(bg(), req)
	if err != nil {
		t.Fatalf("compile after memory returned: %v", err)
	}
	bs := heap.BlockSize()
	for _, a := range append(next.Constants, next.NumberChunks...) {
		if earlier[a] {
			t.Fatalf("address %#x handed out again", a)
		}
		for _, b := range before {
			if a >= b.Address && a < b.Address+bs {
				t.Fatalf("address %#x is inside integrated block %#x", a, b.Address)
			}
		}
	}
	values, err := client.ReadNumbers(e.Host, next.Constants)
	if err != nil {
		t.Fatalf("ReadNumbers: %v", err)
	}
	for i, v := range values {
		if v != many.Constants[i] {
			t.Fatalf("constant %d = %v, want %v", i, v, many.Constants[i])
		}
	}
}

func TestRemoteCodeGen_InvalidConnection(t *testing.T) {
	e := testShared
	thread, script := e.openContexts(t, false)
	otherThread, otherScript := e.openContexts(t, false)

	cases := map[string]*wire.CodeGenRequest{
		"unknown thread":    {ThreadHandle: "nope", ScriptHandle: script},
		"unknown script":    {ThreadHandle: thread, ScriptHandle: "nope"},
		"script of another": {ThreadHandle: thread, ScriptHandle: otherScript},
		"empty thread":      {ScriptHandle: script},
		"empty script":      {ThreadHandle: thread},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			req.WorkItem = linkedPair()
			_, err := e.Client.CodeGen(bg(), req)
			if code := resultOf(t, err); code != jiterr.ResultInvalidConnection {
				t.Errorf("result = %s", code)
			}
		})
	}

	// empty handles are answered in the body, like unknown ones
	if code := resultOf(t, e.Client.CleanupThreadContext(bg(), "")); code != jiterr.ResultInvalidConnection {
		t.Errorf("cleanup of empty thread: %s", code)
	}
	if code := resultOf(t, e.Client.CleanupScriptContext(bg(), "")); code != jiterr.ResultInvalidConnection {
		t.Errorf("cleanup of empty script: %s", code)
	}
	if _, err := e.Client.IsNativeAddr(bg(), "", 0x1000); resultOf(t, err) != jiterr.ResultInvalidConnection {
		t.Errorf("IsNativeAddr on empty thread: %v", err)
	}
	if _, err := e.Client.InitializeScriptContext(bg(), "", testNumberVTable, testNumberType); resultOf(t, err) != jiterr.ResultInvalidConnection {
		t.Errorf("InitializeScriptContext on empty thread: %v", err)
	}

	if err := e.Client.CloseScriptContext(bg(), script); err != nil {
		t.Fatalf("CloseScriptContext: %v", err)
	}
	_, err := e.Client.CodeGen(bg(), &wire.CodeGenRequest{ThreadHandle: thread, ScriptHandle: script, WorkItem: linkedPair()})
	if code := resultOf(t, err); code != jiterr.ResultInvalidConnection {
		t.Errorf("closed script: %s", code)
	}

	if err := e.Client.CleanupThreadContext(bg(), otherThread); err != nil {
		t.Fatalf("CleanupThreadContext: %v", err)
	}
	if _, ok := e.Server.scripts.Get(otherScript); ok {
		t.Error("script context outlived its thread")
	}
	err = e.Client.CleanupThreadContext(bg(), otherThread)
	if code := resultOf(t, err); code != jiterr.ResultInvalidConnection {
		t.Errorf("second cleanup: %s", code)
	}
}

func TestRemoteCodeGen_Concurrent(t *testing.T) {
	e := testShared
	const n = 8
	type pair struct{ thread, script string }
	pairs := make([]pair, n)
	for i := range pairs {
		pairs[i].thread, pairs[i].script = e.openContexts(t, false)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n*4)
	for _, p := range pairs {
		wg.Add(1)
		go func(p pair) {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				_, err := e.Client.CodeGen(bg(), &wire.CodeGenRequest{ThreadHandle: p.thread, ScriptHandle: p.script, WorkItem: linkedPair()})
				if err != nil {
					errs <- err
				}
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

// ---------------------------------------------------------------------------
// Thread context procedures
// ---------------------------------------------------------------------------

func TestPropertyRecordsAndTypeID(t *testing.T) {
	e := testShared
	thread, _ := e.openContexts(t, false)

	err := e.Client.UpdatePropertyRecordMap(bg(), &wire.UpdatePropertyRecordMapRequest{
		ThreadHandle: thread,
		Added:        []wire.PropertyRecord{{ID: 1, Name: "length"}, {ID: 2, Name: "prototype"}},
	})
	if err != nil {
		t.Fatalf("UpdatePropertyRecordMap: %v", err)
	}
	err = e.Client.UpdatePropertyRecordMap(bg(), &wire.UpdatePropertyRecordMapRequest{ThreadHandle: thread, Reclaimed: []uint32{2}})
	if err != nil {
		t.Fatalf("UpdatePropertyRecordMap: %v", err)
	}
	if err := e.Client.SetWellKnownHostTypeID(bg(), thread, 42); err != nil {
		t.Fatalf("SetWellKnownHostTypeID: %v", err)
	}

	tc, _ := e.Server.threads.Get(thread)
	if name, ok := tc.PropertyName(1); !ok || name != "length" {
		t.Errorf("property 1 = %q, %v", name, ok)
	}
	if _, ok := tc.PropertyName(2); ok {
		t.Error("reclaimed property still present")
	}
	if id := tc.WellKnownHostTypeID(); id != 42 {
		t.Errorf("WellKnownHostTypeID = %d", id)
	}

	err = e.Client.SetWellKnownHostTypeID(bg(), "nope", 1)
	if code := resultOf(t, err); code != jiterr.ResultInvalidConnection {
		t.Errorf("unknown thread: %s", code)
	}
}

func TestInitializeThreadContext_Direct(t *testing.T) {
	svc := NewJITService(testShared.Server)
	resp, err := svc.InitializeThreadContext(bg(), connectReq(&wire.InitializeThreadContextRequest{RuntimeBase: testRuntimeBase}))
	if err != nil {
		t.Fatalf("InitializeThreadContext: %v", err)
	}
	if resp.Msg.ThreadHandle == "" || resp.Msg.PreReservedRegionAddr == 0 {
		t.Errorf("response = %+v", resp.Msg)
	}
	ack, err := svc.CleanupThreadContext(bg(), connectReq(&wire.HandleRequest{Handle: resp.Msg.ThreadHandle}))
	if err != nil || ack.Msg.Result != jiterr.ResultOK {
		t.Errorf("CleanupThreadContext = %+v, %v", ack, err)
	}
}

// ---------------------------------------------------------------------------
// Server lifecycle
// ---------------------------------------------------------------------------

func TestHealthAndStats(t *testing.T) {
	e := newTestEnv(t, testConfig())
	thread, script := e.openContexts(t, false)
	if _, err := e.Client.CodeGen(bg(), &wire.CodeGenRequest{ThreadHandle: thread, ScriptHandle: script, WorkItem: linkedPair()}); err != nil {
		t.Fatal(err)
	}
	e.Server.MaintainAll()

	res, err := http.Get(e.HTTP.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Errorf("/healthz = %d %q", res.StatusCode, body)
	}

	res, err = http.Get(e.HTTP.URL + "/debug/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var st Stats
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Threads != 1 || st.Scripts != 1 || st.Compiles != 1 || st.Results["ok"] != 1 {
		t.Errorf("stats = %+v", st)
	}
	if len(st.Contexts) != 1 || st.Contexts[0].CodeBytes == 0 {
		t.Errorf("context stats = %+v", st.Contexts)
	}
}

func TestShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaintenanceInterval.Duration = 5 * time.Millisecond
	s := New(cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), ln) }()

	c := client.New(http.DefaultClient, "http://"+ln.Addr().String())
	resp, err := c.InitializeThreadContext(bg(), testRuntimeBase, 0, false)
	if err != nil {
		t.Fatalf("InitializeThreadContext: %v", err)
	}
	if err := c.Shutdown(bg()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	tc, ok := s.threads.Get(resp.ThreadHandle)
	if !ok || !tc.Closed() {
		t.Error("thread context not cleaned up on shutdown")
	}
	if _, err := NewJITService(s).InitializeThreadContext(bg(), connectReq(&wire.InitializeThreadContextRequest{})); connect.CodeOf(err) != connect.CodeUnavailable {
		t.Errorf("initialize after shutdown: %v", err)
	}
}
