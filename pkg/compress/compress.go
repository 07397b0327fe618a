// Package compress provides the block compression codecs available to the
// sorted table format. Each compressed block records the codec id in its
// trailer so readers pick the right decoder without configuration.
package compress

import (
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// ID identifies a codec on disk. Values are part of the file format.
type ID uint8

const (
	None ID = iota
	Snappy
	Zstd
)

func (id ID) String() string {
	switch id {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Codec compresses and decompresses whole blocks.
type Codec interface {
	ID() ID
	// Compress appends the compressed form of src to dst.
	Compress(dst, src []byte) []byte
	// Decompress appends the decompressed form of src to dst.
	Decompress(dst, src []byte) ([]byte, error)
}

// sharedZstd builds the process-wide zstd codec once. The klauspost
// encoder and decoder hold worker goroutines and buffers, so resolving a
// codec must hand out the same instance instead of allocating per call.
var sharedZstd = sync.OnceValues(newZstdCodec)

// ByName resolves a codec from its configuration name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "snappy":
		return snappyCodec{}, nil
	case "none":
		return noneCodec{}, nil
	case "zstd":
		return sharedZstd()
	default:
		return nil, fmt.Errorf("unknown compression codec %q", name)
	}
}

// ByID resolves a codec from its on-disk id.
func ByID(id ID) (Codec, error) {
	switch id {
	case None:
		return noneCodec{}, nil
	case Snappy:
		return snappyCodec{}, nil
	case Zstd:
		return sharedZstd()
	default:
		return nil, fmt.Errorf("unknown compression id %d", id)
	}
}

type noneCodec struct{}

func (noneCodec) ID() ID { return None }

func (noneCodec) Compress(dst, src []byte) []byte {
	return append(dst, src...)
}

func (noneCodec) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

type snappyCodec struct{}

func (snappyCodec) ID() ID { return Snappy }

func (snappyCodec) Compress(dst, src []byte) []byte {
	return append(dst, snappy.Encode(nil, src)...)
}

func (snappyCodec) Decompress(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, err
	}
	return append(dst, out...), nil
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) ID() ID { return Zstd }

func (c *zstdCodec) Compress(dst, src []byte) []byte {
	return c.enc.EncodeAll(src, dst)
}

func (c *zstdCodec) Decompress(dst, src []byte) ([]byte, error) {
	return c.dec.DecodeAll(src, dst)
}
