// Package jitctx holds the per-connection state of the compiler server:
// one ThreadContext per connected host thread and one ScriptContext per
// host script context, each guarding its allocators with an active-JIT
// count so teardown waits for in-flight compilations.
package jitctx

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/oopjit/hostmem"
	"github.com/chazu/oopjit/numalloc"
	"github.com/chazu/oopjit/recycler"
	"github.com/chazu/oopjit/xproc"
)

var log = commonlog.GetLogger("oopjit.jitctx")

// jitGate counts in-flight compilations on a context.
type jitGate struct {
	active atomic.Int32
	closed atomic.Bool
}

// BeginJIT marks the start of a compilation.
func (g *jitGate) BeginJIT() { g.active.Add(1) }

// EndJIT marks the end of a compilation started with BeginJIT.
func (g *jitGate) EndJIT() {
	if g.active.Add(-1) < 0 {
		panic("jitctx: EndJIT without BeginJIT")
	}
}

// ActiveJITs returns the number of compilations in flight.
func (g *jitGate) ActiveJITs() int { return int(g.active.Load()) }

// Closed reports whether the context accepts no further compilations.
func (g *jitGate) Closed() bool { return g.closed.Load() }

// wait polls until no compilation is in flight.
func (g *jitGate) wait() {
	for g.active.Load() > 0 {
		time.Sleep(time.Millisecond)
	}
}

// ThreadOptions configures a ThreadContext.
type ThreadOptions struct {
	// Host is the host process memory. A fresh space is created when nil.
	Host *hostmem.Space
	// Heap is the destination heap. A heap over its own space is created
	// when nil.
	Heap *recycler.Recycler
	// HeapOptions configures the heap created when Heap is nil.
	HeapOptions recycler.Options

	// RuntimeBase and CRTBase are where the runtime and C runtime modules
	// are loaded in the host; LocalRuntimeBase and LocalCRTBase are where
	// they are loaded in this process.
	RuntimeBase      uint64
	LocalRuntimeBase uint64
	CRTBase          uint64
	LocalCRTBase     uint64

	// CodeRegionPages is the size of the code region reserved up front.
	CodeRegionPages int
	// InProcess allocates numbers straight from the heap instead of
	// through deferred integration or host writes.
	InProcess bool
}

// PropertyRecord is a host property id and its name.
type PropertyRecord struct {
	ID   uint32
	Name string
}

// ThreadContext is the state for one connected host thread. It owns the
// numeric allocators shared by sequential compilations on the connection.
type ThreadContext struct {
	jitGate

	host      *hostmem.Space
	heap      *recycler.Recycler
	numbers   *numalloc.ThreadAllocator
	segments  *xproc.SegmentManager
	code      *CodeAllocator
	inProcess bool

	runtimeDelta int64
	crtDelta     int64

	mu              sync.RWMutex
	properties      map[uint32]string
	wellKnownTypeID uint32

	released atomic.Bool
}

// NewThreadContext creates a context for a host thread.
func NewThreadContext(opts ThreadOptions) (*ThreadContext, error) {
	host := opts.Host
	if host == nil {
		host = hostmem.NewSpace(hostmem.Options{})
	}
	heap := opts.Heap
	if heap == nil {
		heap = recycler.New(hostmem.NewSpace(hostmem.Options{PageSize: host.PageSize()}), opts.HeapOptions)
	}
	code, err := NewCodeAllocator(host, opts.CodeRegionPages)
	if err != nil {
		return nil, fmt.Errorf("jitctx: new thread context: %w", err)
	}
	numbers := numalloc.NewThreadAllocator(heap)
	tc := &ThreadContext{
		host:         host,
		heap:         heap,
		numbers:      numbers,
		segments:     xproc.NewSegmentManager(numbers, host.PageSize()),
		code:         code,
		inProcess:    opts.InProcess,
		runtimeDelta: int64(opts.RuntimeBase - opts.LocalRuntimeBase),
		crtDelta:     int64(opts.CRTBase - opts.LocalCRTBase),
		properties:   make(map[uint32]string),
	}
	return tc, nil
}

// Host returns the host process memory.
func (tc *ThreadContext) Host() *hostmem.Space { return tc.host }

// Heap returns the destination heap.
func (tc *ThreadContext) Heap() *recycler.Recycler { return tc.heap }

// Numbers returns the thread's numeric allocator.
func (tc *ThreadContext) Numbers() *numalloc.ThreadAllocator { return tc.numbers }

// Segments returns the thread's cross-process segment manager.
func (tc *ThreadContext) Segments() *xproc.SegmentManager { return tc.segments }

// Code returns the thread's code allocator.
func (tc *ThreadContext) Code() *CodeAllocator { return tc.code }

// InProcess reports whether numbers are allocated straight from the heap.
func (tc *ThreadContext) InProcess() bool { return tc.inProcess }

// NumberSink returns where a compilation should allocate numbers that
// stay in the destination heap.
func (tc *ThreadContext) NumberSink() numalloc.NumberSink {
	if tc.inProcess {
		return numalloc.DirectSink{Heap: tc.heap}
	}
	return tc.numbers
}

// PreReservedRegionAddr returns the base of the pre-reserved code region.
func (tc *ThreadContext) PreReservedRegionAddr() uint64 { return tc.code.RegionAddr() }

// RuntimeBaseDelta is the host runtime base minus the local one.
func (tc *ThreadContext) RuntimeBaseDelta() int64 { return tc.runtimeDelta }

// CRTBaseDelta is the host C runtime base minus the local one.
func (tc *ThreadContext) CRTBaseDelta() int64 { return tc.crtDelta }

// TranslateRuntimeAddr maps a local runtime address into the host.
func (tc *ThreadContext) TranslateRuntimeAddr(addr uint64) uint64 {
	return uint64(int64(addr) + tc.runtimeDelta)
}

// TranslateCRTAddr maps a local C runtime address into the host.
func (tc *ThreadContext) TranslateCRTAddr(addr uint64) uint64 {
	return uint64(int64(addr) + tc.crtDelta)
}

// UpdatePropertyRecords adds and removes entries of the property map.
func (tc *ThreadContext) UpdatePropertyRecords(added []PropertyRecord, reclaimed []uint32) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, id := range reclaimed {
		delete(tc.properties, id)
	}
	for _, p := range added {
		tc.properties[p.ID] = p.Name
	}
}

// PropertyName looks up a property id.
func (tc *ThreadContext) PropertyName(id uint32) (string, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	name, ok := tc.properties[id]
	return name, ok
}

// PropertyIDs returns every known property id in ascending order.
func (tc *ThreadContext) PropertyIDs() []uint32 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	ids := make([]uint32, 0, len(tc.properties))
	for id := range tc.properties {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetWellKnownHostTypeID records the host's type id for well-known
// host objects.
func (tc *ThreadContext) SetWellKnownHostTypeID(id uint32) {
	tc.mu.Lock()
	tc.wellKnownTypeID = id
	tc.mu.Unlock()
}

// WellKnownHostTypeID returns the id set by SetWellKnownHostTypeID.
func (tc *ThreadContext) WellKnownHostTypeID() uint32 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.wellKnownTypeID
}

// Maintain runs one maintenance cycle: blocks whose tracking was reset
// are queued and everything queued is integrated into the heap.
func (tc *ThreadContext) Maintain() error {
	if tc.released.Load() {
		return nil
	}
	tc.numbers.FlushAllocations()
	return tc.numbers.Integrate()
}

// Cleanup stops accepting compilations, waits for in-flight ones to end
// and releases the allocators.
func (tc *ThreadContext) Cleanup() {
	tc.closed.Store(true)
	tc.wait()
	if tc.released.Swap(true) {
		return
	}
	tc.numbers.Clear()
	tc.code.Release()
	log.Debugf("released thread context (pre-reserved region %#x)", tc.code.RegionAddr())
}

// ThreadStats summarizes a ThreadContext.
type ThreadStats struct {
	ActiveJITs int
	Numbers    numalloc.Stats
	Heap       recycler.Stats
	Host       hostmem.Stats
	Segments   int
	CodeBytes  uint64
	Properties int
}

// Stats returns a snapshot of the context's counters.
func (tc *ThreadContext) Stats() ThreadStats {
	tc.mu.RLock()
	props := len(tc.properties)
	tc.mu.RUnlock()
	return ThreadStats{
		ActiveJITs: tc.ActiveJITs(),
		Numbers:    tc.numbers.Stats(),
		Heap:       tc.heap.Stats(),
		Host:       tc.host.Stats(),
		Segments:   tc.segments.Len(),
		CodeBytes:  tc.code.LiveBytes(),
		Properties: props,
	}
}
