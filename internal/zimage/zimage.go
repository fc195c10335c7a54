// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package zimage reads and patches x86 boot-protocol headers, both in
// bare bzImage files and inside signed vboot kernel images.
package zimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Offsets from the x86 boot protocol (Documentation/x86/boot.rst).
const (
	bootFlagOffset  = 0x1FE
	hdrSMagicOffset = 0x202

	ramdiskImageOffset = 0x218
	ramdiskSizeOffset  = 0x21C
	prefAddressOffset  = 0x258
	initSizeOffset     = 0x260

	minHeaderSize = initSizeOffset + 4
)

// VblockSize is the size of the keyblock+preamble header vbutil_kernel
// writes before the kernel body, and therefore the on-disk offset where
// the loaded body starts.
const VblockSize = 0x10000

var hdrSMagic = []byte("HdrS")

// BootParams wraps an owned copy of a bzImage and gives checked access
// to the fields this tool reads and patches.
type BootParams struct {
	data []byte
}

// Parse validates the boot sector signature and setup header magic.
func Parse(data []byte) (*BootParams, error) {
	if len(data) < minHeaderSize {
		return nil, fmt.Errorf("kernel image too small (%d bytes) for an x86 boot header", len(data))
	}
	if data[bootFlagOffset] != 0x55 || data[bootFlagOffset+1] != 0xAA {
		return nil, fmt.Errorf("kernel image missing 0xAA55 boot flag")
	}
	if !bytes.Equal(data[hdrSMagicOffset:hdrSMagicOffset+4], hdrSMagic) {
		return nil, fmt.Errorf("kernel image missing HdrS setup header magic")
	}

	return &BootParams{data: bytes.Clone(data)}, nil
}

func (p *BootParams) Bytes() []byte {
	return p.data
}

// PrefAddress is the load address the kernel prefers to run at.
func (p *BootParams) PrefAddress() uint64 {
	return binary.LittleEndian.Uint64(p.data[prefAddressOffset:])
}

// InitSize is how much contiguous memory, starting at the load address,
// the kernel needs to decompress and relocate itself.
func (p *BootParams) InitSize() uint32 {
	return binary.LittleEndian.Uint32(p.data[initSizeOffset:])
}

func (p *BootParams) SetInitSize(size uint32) {
	binary.LittleEndian.PutUint32(p.data[initSizeOffset:], size)
}

func (p *BootParams) RamdiskImage() uint32 {
	return binary.LittleEndian.Uint32(p.data[ramdiskImageOffset:])
}

func (p *BootParams) RamdiskSize() uint32 {
	return binary.LittleEndian.Uint32(p.data[ramdiskSizeOffset:])
}

// SetRamdisk records the loaded ramdisk's address and size in the
// boot-protocol header.
func (p *BootParams) SetRamdisk(address uint32, size uint32) {
	binary.LittleEndian.PutUint32(p.data[ramdiskImageOffset:], address)
	binary.LittleEndian.PutUint32(p.data[ramdiskSizeOffset:], size)
}

// Pad grows the image with zero bytes to the given size. Padding a
// bzImage is safe; the setup header records the real payload sizes.
func (p *BootParams) Pad(size int64) error {
	if size < int64(len(p.data)) {
		return fmt.Errorf("cannot pad kernel image down from %d to %d bytes", len(p.data), size)
	}
	p.data = append(p.data, make([]byte, size-int64(len(p.data)))...)
	return nil
}
