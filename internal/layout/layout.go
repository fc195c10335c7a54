// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package layout computes where a ramdisk will land in memory once the
// firmware loads a packed image, and how to keep the kernel's
// self-decompression from clobbering it.
package layout

import (
	"github.com/alpernebbi/depthcharge-tools/internal/codec"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/zimage"
)

const (
	// Alignment for any kernel padding we introduce.
	PadAlign = 0x1000

	// SafetyMargin absorbs the error in the decompressed-size
	// estimate. The estimate is best-effort only, so placements are
	// padded past it rather than packed tight against it.
	SafetyMargin = 4 * 1024 * 1024
)

// AddressWindow is the memory byte range reserved for the loaded
// ramdisk, [Start, End).
type AddressWindow struct {
	Start uint64
	End   uint64
}

func (w AddressWindow) Size() uint64 {
	return w.End - w.Start
}

// AlignUp rounds value up to the next multiple of align.
func AlignUp(value uint64, align uint64) uint64 {
	return (value + align - 1) / align * align
}

// OffsetToAddress converts a byte offset inside a signed image to the
// memory address it is loaded at. The signer's on-disk header occupies
// the first 0x10000 bytes and is not loaded with the body.
func OffsetToAddress(offset int64, loadAddress uint64) uint64 {
	return loadAddress + uint64(offset) - zimage.VblockSize
}

// EmbeddedPayload describes a compressed kernel payload found inside a
// self-decompressing kernel image.
type EmbeddedPayload struct {
	Offset           int
	Kind             codec.Kind
	CompressedSize   int64
	DecompressedSize int64
}

// ScanEmbeddedPayload scans a kernel image for an embedded compressed
// payload and estimates its decompressed size by trial decompression.
// Magic bytes can false-positive on coincidental sequences and the
// size can be under-estimated, so the result is only an input to a
// margin-padded bound, never an exact figure.
func ScanEmbeddedPayload(kernel []byte) (EmbeddedPayload, bool) {
	best := EmbeddedPayload{}
	found := false

	for _, candidate := range codec.ScanMagicOffsets(kernel) {
		decompressed := codec.TryDecompressedSize(kernel[candidate.Offset:], candidate.Kind)
		if decompressed == 0 {
			continue
		}

		payload := EmbeddedPayload{
			Offset:           candidate.Offset,
			Kind:             candidate.Kind,
			CompressedSize:   int64(len(kernel) - candidate.Offset),
			DecompressedSize: decompressed,
		}

		logger.Log.Debugf("Found candidate %s payload at offset %#x, decompresses to %d bytes.",
			candidate.Kind, candidate.Offset, decompressed)

		if !found || payload.DecompressedSize > best.DecompressedSize {
			best = payload
			found = true
		}
	}

	return best, found
}

// SafeRamdiskStart returns the lowest memory address a ramdisk can be
// placed at without the kernel's self-decompression overwriting it.
// Returns 0 when the kernel has no detectable compressed payload, in
// which case no constraint applies.
func SafeRamdiskStart(kernel []byte, decompressionBase uint64) uint64 {
	payload, found := ScanEmbeddedPayload(kernel)
	if !found {
		return 0
	}

	return decompressionBase +
		uint64(payload.DecompressedSize) +
		uint64(payload.CompressedSize) +
		SafetyMargin
}

// PadKernelFor returns the padded kernel size needed to push a ramdisk
// at naturalStart up to at least safeStart, or 0 when no padding is
// needed. Padding the kernel file moves everything packed after it by
// the same amount.
func PadKernelFor(kernelSize int64, naturalStart uint64, safeStart uint64) int64 {
	if safeStart == 0 || naturalStart >= safeStart {
		return 0
	}

	padded := uint64(kernelSize) + (safeStart - naturalStart)
	return int64(AlignUp(padded, PadAlign))
}
