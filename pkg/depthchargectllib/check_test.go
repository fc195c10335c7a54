// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpernebbi/depthcharge-tools/internal/zimage"
	"github.com/alpernebbi/depthcharge-tools/pkg/mkdepthchargelib"
)

func writeSignedTestImage(t *testing.T, bodyPrefix []byte, bodySize int) string {
	t.Helper()

	data := make([]byte, zimage.VblockSize+bodySize)
	copy(data, "CHROMEOS")
	binary.LittleEndian.PutUint64(data[0x10:], 0x4b8)
	copy(data[zimage.VblockSize:], bodyPrefix)

	path := filepath.Join(t.TempDir(), "image.img")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestCheckImageFit(t *testing.T) {
	image := writeSignedTestImage(t, []byte{0xD0, 0x0D, 0xFE, 0xED}, 0x1000)

	err := CheckImage(stubSigner{}, image, CheckOptions{Board: fitBoard(1 << 20)})
	assert.NoError(t, err)
}

func TestCheckImageFitWrongPayload(t *testing.T) {
	// Signed and well-formed, but the body is an ELF, not a FIT.
	image := writeSignedTestImage(t, []byte{0x7F, 'E', 'L', 'F'}, 0x1000)

	err := CheckImage(stubSigner{}, image, CheckOptions{Board: fitBoard(1 << 20)})
	assert.ErrorIs(t, err, BoardConfigError)
	assert.ErrorContains(t, err, "FIT")
}

func TestCheckImageZimageSkipsPayloadCheck(t *testing.T) {
	image := writeSignedTestImage(t, []byte{0x7F, 'E', 'L', 'F'}, 0x1000)

	board := fitBoard(1 << 20)
	board.ImageFormat = mkdepthchargelib.FormatZimage
	err := CheckImage(stubSigner{}, image, CheckOptions{Board: board})
	assert.NoError(t, err)
}

func TestCheckImageTooBig(t *testing.T) {
	image := writeSignedTestImage(t, []byte{0xD0, 0x0D, 0xFE, 0xED}, 0x1000)

	err := CheckImage(stubSigner{}, image, CheckOptions{Board: fitBoard(0x10000)})
	assert.ErrorIs(t, err, SizeExceededError)
}

func TestCheckImageNoHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.img")
	require.NoError(t, os.WriteFile(path, make([]byte, zimage.VblockSize+0x1000), 0o644))

	err := CheckImage(stubSigner{}, path, CheckOptions{})
	assert.ErrorIs(t, err, BoardConfigError)
}

func TestCheckImageMissing(t *testing.T) {
	err := CheckImage(stubSigner{}, filepath.Join(t.TempDir(), "no-such.img"), CheckOptions{})
	assert.ErrorIs(t, err, IOError)
}
