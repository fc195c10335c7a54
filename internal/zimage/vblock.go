// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package zimage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// vboot keyblock and kernel preamble field offsets, from
// vboot_reference's vb2_struct.h. The preamble starts with
// preamble_size (8 bytes) and two 24-byte VbSignature structs, so
// body_load_address sits at offset 56.
const (
	keyblockMagicSize   = 8
	keyblockSizeOffset  = 0x10
	preambleBodyLoadOff = 56
	preambleBlAddrOff   = 64
	preambleBlSizeOff   = 72
	preambleMinSize     = 80
)

var keyblockMagic = []byte("CHROMEOS")

// SignedImage wraps an owned copy of a vbutil_kernel-packed image and
// exposes the header fields needed to graft a ramdisk into it.
type SignedImage struct {
	data []byte
}

// ParseSigned validates the keyblock magic and header bounds.
func ParseSigned(data []byte) (*SignedImage, error) {
	if len(data) < VblockSize {
		return nil, fmt.Errorf("signed image too small (%d bytes) for a vblock header", len(data))
	}
	if !bytes.Equal(data[:keyblockMagicSize], keyblockMagic) {
		return nil, fmt.Errorf("signed image missing keyblock magic")
	}

	img := &SignedImage{data: bytes.Clone(data)}

	keyblockSize := img.KeyblockSize()
	if keyblockSize+preambleMinSize > VblockSize {
		return nil, fmt.Errorf("keyblock size (%#x) leaves no room for a kernel preamble", keyblockSize)
	}

	return img, nil
}

func (img *SignedImage) Bytes() []byte {
	return img.data
}

func (img *SignedImage) KeyblockSize() uint64 {
	return binary.LittleEndian.Uint64(img.data[keyblockSizeOffset:])
}

// BodyLoadAddress is the memory address the kernel body is loaded at.
func (img *SignedImage) BodyLoadAddress() uint64 {
	return binary.LittleEndian.Uint64(img.data[img.KeyblockSize()+preambleBodyLoadOff:])
}

// BootloaderAddress is the memory address of the auxiliary bootloader
// blob. When a ramdisk is packed into the bootloader slot, this is
// where the ramdisk ends up in memory.
func (img *SignedImage) BootloaderAddress() uint64 {
	return binary.LittleEndian.Uint64(img.data[img.KeyblockSize()+preambleBlAddrOff:])
}

func (img *SignedImage) BootloaderSize() uint64 {
	return binary.LittleEndian.Uint64(img.data[img.KeyblockSize()+preambleBlSizeOff:])
}

// Body returns the kernel body, which starts at the fixed vblock size.
func (img *SignedImage) Body() []byte {
	return img.data[VblockSize:]
}

// PatchBodyRamdisk rewrites the embedded x86 header's ramdisk address
// and size fields in place.
func (img *SignedImage) PatchBodyRamdisk(address uint32, size uint32) error {
	if len(img.data) < VblockSize+minHeaderSize {
		return fmt.Errorf("signed image body too small for an x86 boot header")
	}

	binary.LittleEndian.PutUint32(img.data[VblockSize+ramdiskImageOffset:], address)
	binary.LittleEndian.PutUint32(img.data[VblockSize+ramdiskSizeOffset:], size)
	return nil
}

// PatchBodyInitSize rewrites the embedded x86 header's init_size field
// in place.
func (img *SignedImage) PatchBodyInitSize(initSize uint32) error {
	if len(img.data) < VblockSize+minHeaderSize {
		return fmt.Errorf("signed image body too small for an x86 boot header")
	}

	binary.LittleEndian.PutUint32(img.data[VblockSize+initSizeOffset:], initSize)
	return nil
}
