// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package codec implements byte-stream compression adapters for the
// formats a depthcharge kernel payload may be wrapped in.
package codec

import (
	"bytes"
	"errors"
	"fmt"
)

type Kind string

const (
	None  Kind = "none"
	Gzip  Kind = "gzip"
	Lz4   Kind = "lz4"
	Lzma  Kind = "lzma"
	Xz    Kind = "xz"
	Zstd  Kind = "zstd"
	Bzip2 Kind = "bzip2"
	Lzop  Kind = "lzop"
)

// ErrUnsupportedOperation is returned for codecs that can only be
// detected, not transformed, by this package.
var ErrUnsupportedOperation = errors.New("operation not supported for this compression format")

// Codec compresses and decompresses a single format. Decompress fails
// when the input is not actually in the codec's format.
type Codec interface {
	Kind() Kind
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var codecs = map[Kind]Codec{
	None:  noneCodec{},
	Gzip:  gzipCodec{},
	Lz4:   lz4Codec{},
	Lzma:  lzmaCodec{},
	Xz:    xzCodec{},
	Zstd:  zstdCodec{},
	Bzip2: bzip2Codec{},
	Lzop:  lzopCodec{},
}

// Magic prefixes for each detectable format. Lz4 has both the legacy
// frame magic the kernel build uses and the modern frame magic.
var magics = map[Kind][][]byte{
	Gzip:  {{0x1F, 0x8B}},
	Xz:    {{0xFD, '7', 'z', 'X', 'Z', 0x00}},
	Zstd:  {{0x28, 0xB5, 0x2F, 0xFD}},
	Lzma:  {{0x5D, 0x00, 0x00}},
	Lz4:   {{0x02, 0x21, 0x4C, 0x18}, {0x04, 0x22, 0x4D, 0x18}},
	Bzip2: {{'B', 'Z', 'h'}},
	Lzop:  {{0x89, 'L', 'Z', 'O', 0x00, 0x0D, 0x0A, 0x1A, 0x0A}},
}

// Lookup returns the codec for a kind.
func Lookup(kind Kind) (Codec, error) {
	c, ok := codecs[kind]
	if !ok {
		return nil, fmt.Errorf("unknown compression format (%s)", kind)
	}
	return c, nil
}

// Kinds lists all kinds with a codec, in no particular order.
func Kinds() []Kind {
	kinds := []Kind(nil)
	for kind := range codecs {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Detect returns the kind whose magic bytes prefix the data, or None.
func Detect(data []byte) Kind {
	for kind, prefixes := range magics {
		for _, prefix := range prefixes {
			if bytes.HasPrefix(data, prefix) {
				return kind
			}
		}
	}
	return None
}

// MagicOffset is a position in a byte stream where a compressed
// payload may start.
type MagicOffset struct {
	Offset int
	Kind   Kind
}

// ScanMagicOffsets finds every offset in data where a known compression
// magic occurs. Coincidental matches are expected; callers must treat
// the results as candidates only.
func ScanMagicOffsets(data []byte) []MagicOffset {
	found := []MagicOffset(nil)
	for kind, prefixes := range magics {
		for _, prefix := range prefixes {
			for off := 0; ; {
				idx := bytes.Index(data[off:], prefix)
				if idx < 0 {
					break
				}
				found = append(found, MagicOffset{Offset: off + idx, Kind: kind})
				off += idx + 1
			}
		}
	}
	return found
}

// TryDecompressedSize trial-decompresses data as the given kind and
// returns how many bytes came out. Truncated or trailing-garbage input
// still yields the byte count successfully decoded, so the result is a
// best-effort estimate, not an exact size.
func TryDecompressedSize(data []byte, kind Kind) int64 {
	c, err := Lookup(kind)
	if err != nil {
		return 0
	}

	out, err := c.Decompress(data)
	if err != nil && out == nil {
		return 0
	}
	return int64(len(out))
}

type noneCodec struct{}

func (noneCodec) Kind() Kind { return None }

func (noneCodec) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (noneCodec) Decompress(data []byte) ([]byte, error) {
	return data, nil
}
