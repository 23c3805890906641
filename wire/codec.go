package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes a message to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// Unmarshal deserializes CBOR bytes into v.
func Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: unmarshal %T: %w", v, err)
	}
	return nil
}

// Codec carries the messages of this package over Connect.
type Codec struct{}

// CodecName is the Connect codec name, sent as application/cbor.
const CodecName = "cbor"

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) { return Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return Unmarshal(data, v) }
