// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package codec

import (
	"bytes"
	"compress/bzip2"
	"io"
)

// bzip2 payloads are only ever decompressed here, never produced, so
// the read-only standard library decoder is enough.
type bzip2Codec struct{}

func (bzip2Codec) Kind() Kind { return Bzip2 }

func (bzip2Codec) Compress(data []byte) ([]byte, error) {
	return nil, ErrUnsupportedOperation
}

func (bzip2Codec) Decompress(data []byte) ([]byte, error) {
	reader := bzip2.NewReader(bytes.NewReader(data))

	var buf bytes.Buffer
	_, err := io.Copy(&buf, reader)
	if err != nil {
		return buf.Bytes(), err
	}

	return buf.Bytes(), nil
}
