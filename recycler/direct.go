package recycler

import "fmt"

// Alloc allocates size bytes straight from the collector's own pages.
// Blocks opened here are integrated immediately, so the result is
// collector-owned as soon as it is returned. This is the path used when
// compiler and heap share an address space.
func (r *Recycler) Alloc(kind PageKind, size uint64) (uint64, error) {
	if size == 0 || size > r.blockSize {
		return 0, fmt.Errorf("recycler: alloc %d bytes: size out of range", size)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &r.direct[kind]
	if c.seg == nil || c.next+size > c.end {
		if err := r.openDirectBlock(kind, size); err != nil {
			return 0, err
		}
	}
	addr := c.next
	c.next += size
	return addr, nil
}

// openDirectBlock commits a fresh block for direct allocation, reserving a
// new segment when the current one is exhausted. Caller holds mu.
func (r *Recycler) openDirectBlock(kind PageKind, size uint64) error {
	c := &r.direct[kind]
	ps := r.mem.PageSize()

	if c.seg == nil || c.end+r.blockSize > c.seg.EndAddress(ps) {
		addr, err := r.mem.Reserve(r.segmentPages)
		if err != nil {
			return fmt.Errorf("recycler: reserve %s segment: %w", kind, err)
		}
		seg := &Segment{Address: addr, PageCount: r.segmentPages, Kind: kind, integrated: true}
		r.segments[kind] = append(r.segments[kind], seg)
		c.seg = seg
		c.end = addr
	}

	block := c.end
	if err := r.mem.Commit(block, r.blockSize); err != nil {
		return fmt.Errorf("recycler: commit %s block: %w", kind, err)
	}
	for p := block; p < block+r.blockSize; p += ps {
		r.filled[p] = true
	}
	r.blocks = append(r.blocks, Block{
		Address:    block,
		Segment:    c.seg,
		Kind:       kind,
		AllocSize:  size,
		ObjectSize: size,
	})
	c.next = block
	c.end = block + r.blockSize
	return nil
}
