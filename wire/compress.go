package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// CompressData replaces d.Data with its lz4 frame when d.Data is at least
// minBytes long. A minBytes of zero disables compression.
func CompressData(d *NativeData, minBytes int) error {
	if minBytes <= 0 || len(d.Data) < minBytes || d.Compressed {
		return nil
	}
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(d.Data); err != nil {
		return fmt.Errorf("wire: compress native data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("wire: compress native data: %w", err)
	}
	d.Data = buf.Bytes()
	d.Compressed = true
	return nil
}

// DecompressData undoes CompressData.
func DecompressData(d *NativeData) error {
	if !d.Compressed {
		return nil
	}
	out := make([]byte, 0, d.Size)
	r := lz4.NewReader(bytes.NewReader(d.Data))
	b := bytes.NewBuffer(out)
	if _, err := io.Copy(b, r); err != nil {
		return fmt.Errorf("wire: decompress native data: %w", err)
	}
	if uint64(b.Len()) != d.Size {
		return fmt.Errorf("wire: decompress native data: got %d bytes, want %d", b.Len(), d.Size)
	}
	d.Data = b.Bytes()
	d.Compressed = false
	return nil
}
