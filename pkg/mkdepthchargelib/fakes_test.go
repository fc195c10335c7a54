// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package mkdepthchargelib

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/alpernebbi/depthcharge-tools/internal/fit"
	"github.com/alpernebbi/depthcharge-tools/internal/vboot"
)

const (
	fakeKeyblockSize = 0x4b8
	fakeVblockSize   = 0x10000
)

// fakeSigner emulates vbutil_kernel's byte-level contract: a 64 KiB
// header carrying the keyblock magic and preamble fields, followed by
// the body, with the bootloader blob appended 4 KiB-aligned after it.
type fakeSigner struct {
	bodyLoad uint64
}

func alignUp4k(v uint64) uint64 {
	return (v + 0xFFF) / 0x1000 * 0x1000
}

func (s fakeSigner) Pack(req vboot.PackRequest) error {
	vmlinuz, err := os.ReadFile(req.VmlinuzPath)
	if err != nil {
		return err
	}
	bootloader, err := os.ReadFile(req.BootloaderPath)
	if err != nil {
		return err
	}

	bodyLen := alignUp4k(uint64(len(vmlinuz)))
	bootloaderAddr := uint64(0)
	if len(bootloader) > 0 {
		bootloaderAddr = s.bodyLoad + bodyLen
	}

	header := make([]byte, fakeVblockSize)
	copy(header, "CHROMEOS")
	binary.LittleEndian.PutUint64(header[0x10:], fakeKeyblockSize)
	binary.LittleEndian.PutUint64(header[fakeKeyblockSize+56:], s.bodyLoad)
	binary.LittleEndian.PutUint64(header[fakeKeyblockSize+64:], bootloaderAddr)
	binary.LittleEndian.PutUint64(header[fakeKeyblockSize+72:], uint64(len(bootloader)))

	body := make([]byte, bodyLen)
	copy(body, vmlinuz)
	body = append(body, bootloader...)

	return os.WriteFile(req.OutputPath, append(header, body...), 0o644)
}

func (fakeSigner) Repack(outputPath string, oldBlobPath string, keyblockPath string, signPrivatePath string) error {
	data, err := os.ReadFile(oldBlobPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}

func (fakeSigner) Verify(imagePath string, signPubkeyPath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(data, []byte("CHROMEOS")) {
		return fmt.Errorf("image (%s) missing keyblock magic", imagePath)
	}
	return nil
}

func (fakeSigner) ExtractVmlinuz(imagePath string, outputPath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data[fakeVblockSize:], 0o644)
}

// fakePacker concatenates its inputs and records the patches applied
// to the packed file and its device trees.
type fakePacker struct {
	packs         int
	stringPatches []string
	cellPatches   map[string]uint32
	initrdRanges  map[string][][2]uint64
}

func newFakePacker() *fakePacker {
	return &fakePacker{
		cellPatches:  map[string]uint32{},
		initrdRanges: map[string][][2]uint64{},
	}
}

func (p *fakePacker) Pack(req fit.PackRequest) error {
	p.packs++

	out := []byte("FITSTART")
	kernel, err := os.ReadFile(req.KernelPath)
	if err != nil {
		return err
	}
	out = append(out, kernel...)

	for _, dtbPath := range req.DeviceTreePaths {
		dtb, err := os.ReadFile(dtbPath)
		if err != nil {
			return err
		}
		out = append(out, dtb...)
	}

	if req.RamdiskPath != "" {
		ramdisk, err := os.ReadFile(req.RamdiskPath)
		if err != nil {
			return err
		}
		out = append(out, ramdisk...)
	}

	return os.WriteFile(req.OutputPath, out, 0o644)
}

func (p *fakePacker) ImageNodes(imagePath string, imageType string) ([]string, error) {
	switch imageType {
	case "kernel":
		return []string{"/images/kernel-1"}, nil
	case "ramdisk":
		return []string{"/images/ramdisk-1"}, nil
	}
	return nil, nil
}

func (p *fakePacker) SetNodeString(imagePath string, node string, property string, value string) error {
	p.stringPatches = append(p.stringPatches, node+":"+property+"="+value)
	return nil
}

func (p *fakePacker) SetNodeCell(imagePath string, node string, property string, value uint32) error {
	p.cellPatches[node+":"+property] = value
	return nil
}

func (p *fakePacker) SetInitrdRange(dtbPath string, start uint64, end uint64) error {
	p.initrdRanges[dtbPath] = append(p.initrdRanges[dtbPath], [2]uint64{start, end})
	return nil
}

// driftPacker shifts every pack after the first, breaking the
// offset-stability the two-pass flow depends on.
type driftPacker struct {
	*fakePacker
}

func (p *driftPacker) Pack(req fit.PackRequest) error {
	if err := p.fakePacker.Pack(req); err != nil {
		return err
	}

	if p.packs > 1 {
		data, err := os.ReadFile(req.OutputPath)
		if err != nil {
			return err
		}
		return os.WriteFile(req.OutputPath, append([]byte("SHIFT"), data...), 0o644)
	}
	return nil
}
