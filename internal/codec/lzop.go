// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package codec

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alpernebbi/depthcharge-tools/internal/shell"
)

const lzopTool = "lzop"

// lzop has no maintained Go implementation, so decompression shells
// out to the lzop tool. Nothing in this tree compresses as lzop.
type lzopCodec struct{}

func (lzopCodec) Kind() Kind { return Lzop }

func (lzopCodec) Compress(data []byte) ([]byte, error) {
	return nil, ErrUnsupportedOperation
}

func (lzopCodec) Decompress(data []byte) ([]byte, error) {
	tempDir, err := os.MkdirTemp("", "lzop-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory:\n%w", err)
	}
	defer os.RemoveAll(tempDir)

	// lzop insists on its own suffix for the compressed file.
	inPath := filepath.Join(tempDir, "payload.lzo")
	outPath := filepath.Join(tempDir, "payload")
	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write lzop payload:\n%w", err)
	}

	_, stderr, err := shell.Execute(lzopTool, "-d", "-f", "-o", outPath, inPath)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress with %s:\n%v\n%w", lzopTool, stderr, err)
	}

	return os.ReadFile(outPath)
}
