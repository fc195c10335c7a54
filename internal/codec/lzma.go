// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package codec

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

type lzmaCodec struct{}

func (lzmaCodec) Kind() Kind { return Lzma }

func (lzmaCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := lzma.NewWriter(&buf)
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

func (lzmaCodec) Decompress(data []byte) ([]byte, error) {
	reader, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	_, err = io.Copy(&buf, reader)
	if err != nil {
		return buf.Bytes(), err
	}

	return buf.Bytes(), nil
}
