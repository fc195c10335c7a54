// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package codec

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz"
)

type xzCodec struct{}

func (xzCodec) Kind() Kind { return Xz }

func (xzCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := xz.NewWriter(&buf)
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

func (xzCodec) Decompress(data []byte) ([]byte, error) {
	reader, err := xz.NewReader(bytes.NewReader(data))
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
