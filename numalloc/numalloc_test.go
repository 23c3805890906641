package numalloc

import (
	"errors"
	"testing"

	"github.com/chazu/oopjit/hostmem"
	"github.com/chazu/oopjit/jiterr"
	"github.com/chazu/oopjit/recycler"
)

func newHeap(opts recycler.Options) *recycler.Recycler {
	return recycler.New(hostmem.NewSpace(hostmem.Options{}), opts)
}

// ---------------------------------------------------------------------------
// ThreadAllocator
// ---------------------------------------------------------------------------

func TestAllocNumber_BlockRollover(t *testing.T) {
	heap := newHeap(recycler.Options{})
	a := NewThreadAllocator(heap)

	seen := make(map[uint64]bool, 10000)
	for i := 0; i < 10000; i++ {
		addr, err := a.AllocNumber()
		if err != nil {
			t.Fatalf("AllocNumber #%d: %v", i, err)
		}
		if seen[addr] {
			t.Fatalf("address %#x handed out twice", addr)
		}
		seen[addr] = true
	}

	// 4096 / 16 = 256 numbers per block
	if got := a.Stats().NumberBlockRollovers; got != 40 {
		t.Errorf("NumberBlockRollovers = %d, want 40", got)
	}
	if got := a.Stats().PendingReference; got != 39 {
		t.Errorf("PendingReference = %d, want 39", got)
	}
}

func TestAllocNumber_StaysInCommittedBlock(t *testing.T) {
	heap := newHeap(recycler.Options{})
	a := NewThreadAllocator(heap)
	for i := 0; i < 300; i++ {
		addr, err := a.AllocNumber()
		if err != nil {
			t.Fatalf("AllocNumber: %v", err)
		}
		if !heap.Memory().IsCommitted(addr) || !heap.Memory().IsCommitted(addr+NumberSize-1) {
			t.Fatalf("number %#x is not in committed memory", addr)
		}
	}
}

func TestAllocNumber_SegmentRollover(t *testing.T) {
	// two 8KiB blocks of 512 numbers per 4-page segment
	heap := newHeap(recycler.Options{SegmentPages: 4, BlockSize: 2 * hostmem.DefaultPageSize})
	a := NewThreadAllocator(heap)
	for i := 0; i < 3*512+1; i++ {
		addr, err := a.AllocNumber()
		if err != nil {
			t.Fatalf("AllocNumber #%d: %v", i, err)
		}
		if !heap.Memory().IsCommitted(addr) {
			t.Fatalf("number #%d at %#x is not in committed memory", i, addr)
		}
	}
	st := a.Stats()
	if st.NumberBlockRollovers != 4 {
		t.Errorf("NumberBlockRollovers = %d, want 4", st.NumberBlockRollovers)
	}
	if st.PendingSegments != 2 {
		t.Errorf("PendingSegments = %d, want 2", st.PendingSegments)
	}
}

func TestBlockLifecycle(t *testing.T) {
	heap := newHeap(recycler.Options{})
	a := NewThreadAllocator(heap)
	perNumberBlock := int(heap.BlockSize() / NumberSize)
	perChunkBlock := int(heap.BlockSize() / ChunkSize)

	first, _ := a.AllocNumber()
	numBlock := a.BlockOf(first)
	if s := a.StateOf(numBlock); s != StateOpen {
		t.Fatalf("fresh number block: %v, want open", s)
	}
	for i := 1; i <= perNumberBlock; i++ {
		if _, err := a.AllocNumber(); err != nil {
			t.Fatalf("AllocNumber: %v", err)
		}
	}
	if s := a.StateOf(numBlock); s != StatePendingReference {
		t.Fatalf("full number block: %v, want pending-reference", s)
	}

	firstChunk, _ := a.AllocChunk()
	chunkBlock := a.BlockOf(firstChunk)
	for i := 1; i <= perChunkBlock; i++ {
		if _, err := a.AllocChunk(); err != nil {
			t.Fatalf("AllocChunk: %v", err)
		}
	}
	if s := a.StateOf(chunkBlock); s != StatePendingFlush {
		t.Fatalf("full chunk block: %v, want pending-flush", s)
	}
	if s := a.StateOf(numBlock); s != StatePendingFlush {
		t.Fatalf("referenced number block: %v, want pending-flush", s)
	}
	if dirty := heap.Memory().DirtyPages(chunkBlock, heap.BlockSize()); dirty != 0 {
		t.Errorf("chunk block write watch not reset: %v", dirty)
	}

	a.FlushAllocations()
	if s := a.StateOf(numBlock); s != StatePendingIntegration {
		t.Fatalf("after flush: %v, want pending-integration", s)
	}
	if heap.IsIntegrated(first) {
		t.Fatal("block integrated before Integrate")
	}

	if err := a.Integrate(); err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	for _, b := range []uint64{numBlock, chunkBlock} {
		if s := a.StateOf(b); s != StateIntegrated {
			t.Errorf("block %#x: %v, want integrated", b, s)
		}
		if !heap.IsIntegrated(b) {
			t.Errorf("heap does not own block %#x", b)
		}
	}
	st := a.Stats()
	if st.PendingSegments != 0 || st.PendingIntegrationNumber != 0 || st.PendingIntegrationChunk != 0 {
		t.Errorf("pending state after Integrate: %+v", st)
	}
}

func TestIntegrate_OutOfMemory(t *testing.T) {
	heap := newHeap(recycler.Options{BlockLimit: 1})
	a := NewThreadAllocator(heap)
	perChunkBlock := int(heap.BlockSize() / ChunkSize)

	// three full chunk blocks, two of them demoted
	for i := 0; i < 2*perChunkBlock+1; i++ {
		if _, err := a.AllocChunk(); err != nil {
			t.Fatalf("AllocChunk: %v", err)
		}
	}
	a.FlushAllocations()
	err := a.Integrate()
	if !errors.Is(err, jiterr.ErrOutOfMemory) {
		t.Fatalf("Integrate: got %v, want out of memory", err)
	}
	if got := a.Stats().PendingIntegrationChunk; got != 1 {
		t.Errorf("PendingIntegrationChunk = %d, want 1 left", got)
	}

	// the allocator stays usable after a failed integration
	if _, err := a.AllocChunk(); err != nil {
		t.Fatalf("AllocChunk after failure: %v", err)
	}
}

func TestAllocNumber_ReserveFailure(t *testing.T) {
	mem := hostmem.NewSpace(hostmem.Options{Limit: 4 * hostmem.DefaultPageSize})
	heap := recycler.New(mem, recycler.Options{SegmentPages: 8})
	a := NewThreadAllocator(heap)
	_, err := a.AllocNumber()
	if jiterr.KindOf(err) != jiterr.KindOutOfMemory {
		t.Fatalf("AllocNumber: got %v, want out of memory", err)
	}

	mem.SetLimit(0)
	if _, err := a.AllocNumber(); err != nil {
		t.Fatalf("AllocNumber after raising limit: %v", err)
	}
}

func TestClear(t *testing.T) {
	heap := newHeap(recycler.Options{})
	a := NewThreadAllocator(heap)
	for i := 0; i < 1000; i++ {
		_, _ = a.AllocNumber()
	}
	a.Clear()
	st := a.Stats()
	if st.PendingReference != 0 || st.PendingSegments != 0 {
		t.Errorf("Stats after Clear = %+v", st)
	}
}

// ---------------------------------------------------------------------------
// CodeGenNumberAllocator
// ---------------------------------------------------------------------------

func TestCodeGen_ChainsNumbers(t *testing.T) {
	heap := newHeap(recycler.Options{})
	ta := NewThreadAllocator(heap)
	cg := NewCodeGenNumberAllocator(ta, NumberLayout{VTable: 0x7000})

	values := []float64{1, 2, 3, 4, 5, 6, 7}
	var addrs []uint64
	for _, v := range values {
		addr, err := cg.New(v)
		if err != nil {
			t.Fatalf("New(%v): %v", v, err)
		}
		addrs = append(addrs, addr)
	}

	head := cg.Finalize()
	if got := head.Len(); got != 3 {
		t.Fatalf("chain length = %d, want 3", got)
	}
	all := head.All()
	if len(all) != len(addrs) {
		t.Fatalf("chain holds %d numbers, want %d", len(all), len(addrs))
	}
	for i := range all {
		if all[i] != addrs[i] {
			t.Errorf("chain[%d] = %#x, want %#x", i, all[i], addrs[i])
		}
	}

	// the in-memory links agree with the Go chain
	mem := heap.Memory()
	for c := head; c != nil; c = c.Next {
		link, err := mem.ReadUint64(c.Addr + MaxNumberCount*8)
		if err != nil {
			t.Fatalf("ReadUint64: %v", err)
		}
		var want uint64
		if c.Next != nil {
			want = c.Next.Addr
		}
		if link != want {
			t.Errorf("chunk %#x links to %#x, want %#x", c.Addr, link, want)
		}
		for i, n := range c.Numbers {
			slot, _ := mem.ReadUint64(c.Addr + uint64(i)*8)
			if slot != n {
				t.Errorf("chunk %#x slot %d = %#x, want %#x", c.Addr, i, slot, n)
			}
		}
	}

	vt, v, err := ReadNumber(mem, addrs[4])
	if err != nil {
		t.Fatalf("ReadNumber: %v", err)
	}
	if vt != 0x7000 || v != 5 {
		t.Errorf("number = (%#x, %v), want (0x7000, 5)", vt, v)
	}
}

func TestCodeGen_FinalizeEmpty(t *testing.T) {
	cg := NewCodeGenNumberAllocator(NewThreadAllocator(newHeap(recycler.Options{})), NumberLayout{})
	if head := cg.Finalize(); head != nil {
		t.Errorf("Finalize with no numbers = %+v, want nil", head)
	}
}

func TestCodeGen_FinalizeTwicePanics(t *testing.T) {
	cg := NewCodeGenNumberAllocator(NewThreadAllocator(newHeap(recycler.Options{})), NumberLayout{})
	cg.Finalize()
	defer func() {
		if recover() == nil {
			t.Error("second Finalize did not panic")
		}
	}()
	cg.Finalize()
}

func TestCodeGen_DirectSink(t *testing.T) {
	heap := newHeap(recycler.Options{})
	cg := NewCodeGenNumberAllocator(DirectSink{Heap: heap}, NumberLayout{VTable: 0x10})
	for i := 0; i < 10; i++ {
		addr, err := cg.New(float64(i))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if !heap.IsIntegrated(addr) {
			t.Fatalf("direct number %#x not collector-owned", addr)
		}
	}
	head := cg.Finalize()
	if head.Len() != 4 || cg.Count() != 10 {
		t.Errorf("chain length %d count %d, want 4 and 10", head.Len(), cg.Count())
	}
}
