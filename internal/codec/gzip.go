// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/pgzip"
)

type gzipCodec struct{}

func (gzipCodec) Kind() Kind { return Gzip }

func (gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := pgzip.NewWriterLevel(&buf, pgzip.DefaultCompression)
	if err != nil {
		return nil, err
	}

	_, err = writer.Write(data)
	if err != nil {
		return nil, err
	}

	err = writer.Close()
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	reader, err := pgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var buf bytes.Buffer
	_, err = io.Copy(&buf, reader)
	if err != nil {
		// Partial output is still useful for size estimation.
		return buf.Bytes(), err
	}

	return buf.Bytes(), nil
}
