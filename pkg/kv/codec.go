package kv

import (
	"github.com/golang/snappy"

	"github.com/cuemby/dsengine/pkg/dserr"
)

// Codec encodes/decodes values stored at the data-stream level (spec
// §4.2). It never touches keys — only the skipstream layout's own
// value blob. See SPEC_FULL.md "Payload compression".
type Codec interface {
	Encode(plain []byte) []byte
	Decode(encoded []byte) ([]byte, error)
}

// NewCodec returns the snappy codec when compression is enabled, or the
// identity codec otherwise.
func NewCodec(compression bool) Codec {
	if compression {
		return snappyCodec{}
	}
	return plainCodec{}
}

type plainCodec struct{}

func (plainCodec) Encode(plain []byte) []byte { return plain }
func (plainCodec) Decode(encoded []byte) ([]byte, error) {
	return encoded, nil
}

type snappyCodec struct{}

func (snappyCodec) Encode(plain []byte) []byte {
	return snappy.Encode(nil, plain)
}

func (snappyCodec) Decode(encoded []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, encoded)
	if err != nil {
		return nil, dserr.Unrecoverablef("kv.snappyCodec.Decode", err)
	}
	return out, nil
}
