// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package codec

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

type lz4Codec struct{}

func (lz4Codec) Kind() Kind { return Lz4 }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := lz4.NewWriter(&buf)
	err := writer.Apply(
		lz4.LegacyOption(true),
		lz4.CompressionLevelOption(lz4.Level9),
	)
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

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))

	var buf bytes.Buffer
	_, err := io.Copy(&buf, reader)
	if err != nil {
		return buf.Bytes(), err
	}

	return buf.Bytes(), nil
}
