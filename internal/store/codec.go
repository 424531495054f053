package store

import (
	"github.com/ugorji/go/codec"
)

// Block records are CBOR encoded. Encoders and decoders are pooled since
// every committed block goes through them.
var (
	decoderPool = make(chan *codec.Decoder, 64)
	encoderPool = make(chan *codec.Encoder, 64)
)

func newHandle() *codec.CborHandle {
	var handle codec.CborHandle
	handle.Canonical = true
	return &handle
}

func encodeRecord(v interface{}) ([]byte, error) {
	var out []byte

	var e *codec.Encoder
	select {
	case e = <-encoderPool:
		e.ResetBytes(&out)
	default:
		e = codec.NewEncoderBytes(&out, newHandle())
	}

	err := e.Encode(v)

	select {
	case encoderPool <- e:
	default:
	}

	return out, err
}

func decodeRecord(bz []byte, v interface{}) error {
	var d *codec.Decoder
	select {
	case d = <-decoderPool:
		d.ResetBytes(bz)
	default:
		d = codec.NewDecoderBytes(bz, newHandle())
	}

	err := d.Decode(v)

	select {
	case decoderPool <- d:
	default:
	}

	return err
}
