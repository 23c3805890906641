package client

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/oopjit/hostmem"
	"github.com/chazu/oopjit/nativedata"
	"github.com/chazu/oopjit/numalloc"
	"github.com/chazu/oopjit/wire"
)

// ApplyOutput copies the native data of a compilation into host memory
// and returns where it landed. Data placed by the server is written to the
// base it was placed at, which the host must already have committed.
// Relocatable data is written to freshly reserved pages after its fixups
// are applied.
func ApplyOutput(space *hostmem.Space, resp *wire.CodeGenResponse) (uint64, error) {
	d := &resp.Data
	if d.Size == 0 {
		return 0, nil
	}
	if err := wire.DecompressData(d); err != nil {
		return 0, err
	}

	if d.Base != 0 {
		if err := space.Write(d.Base, d.Data); err != nil {
			return 0, fmt.Errorf("client: write native data at %#x: %w", d.Base, err)
		}
		return d.Base, nil
	}

	pages := int((d.Size + space.PageSize() - 1) / space.PageSize())
	base, err := space.ReserveCommit(pages)
	if err != nil {
		return 0, fmt.Errorf("client: reserve native data: %w", err)
	}
	r := &nativedata.Relocatable{Data: d.Data}
	for _, f := range d.Fixups {
		r.Fixups = append(r.Fixups, nativedata.Fixup{Source: f.Source, Target: f.Target})
	}
	for _, c := range d.Chunks {
		r.Chunks = append(r.Chunks, nativedata.ChunkInfo{Offset: c.Offset, Len: c.Len, Type: nativedata.TypeID(c.Type)})
	}
	buf, err := r.Apply(base)
	if err != nil {
		return 0, err
	}
	if err := space.Write(base, buf); err != nil {
		return 0, fmt.Errorf("client: write native data at %#x: %w", base, err)
	}
	log.Debugf("applied %d fixups at %#x", len(r.Fixups), base)
	return base, nil
}

// ReadNumbers reads back the values of boxed numbers.
func ReadNumbers(space *hostmem.Space, addrs []uint64) ([]float64, error) {
	out := make([]float64, len(addrs))
	for i, a := range addrs {
		_, v, err := numalloc.ReadNumber(space, a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// WalkNumberChunks follows a chunk chain through memory from head and
// returns every number address it holds.
func WalkNumberChunks(space *hostmem.Space, head uint64) ([]uint64, error) {
	var out []uint64
	for addr := head; addr != 0; {
		b, err := space.Read(addr, numalloc.ChunkSize)
		if err != nil {
			return nil, fmt.Errorf("client: read number chunk %#x: %w", addr, err)
		}
		for i := 0; i < numalloc.MaxNumberCount; i++ {
			n := binary.LittleEndian.Uint64(b[i*8:])
			if n == 0 {
				break
			}
			out = append(out, n)
		}
		addr = binary.LittleEndian.Uint64(b[numalloc.MaxNumberCount*8:])
	}
	return out, nil
}
