// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package mkdepthchargelib

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpernebbi/depthcharge-tools/internal/codec"
	"github.com/alpernebbi/depthcharge-tools/internal/inputs"
	"github.com/alpernebbi/depthcharge-tools/internal/zimage"
)

func bzImageInput(prefAddress uint64, initSize uint32, size int) *inputs.Input {
	data := make([]byte, size)
	data[0x1FE] = 0x55
	data[0x1FF] = 0xAA
	copy(data[0x202:], "HdrS")
	binary.LittleEndian.PutUint64(data[0x258:], prefAddress)
	binary.LittleEndian.PutUint32(data[0x260:], initSize)

	return &inputs.Input{
		Path:        "vmlinuz",
		Data:        data,
		Role:        inputs.RoleKernel,
		Compression: codec.None,
	}
}

func ramdiskInput(size int) *inputs.Input {
	data := make([]byte, size)
	copy(data, "070701")
	for i := 8; i < size; i++ {
		data[i] = byte(i % 253)
	}
	return &inputs.Input{
		Path:        "initramfs",
		Data:        data,
		Role:        inputs.RoleRamdisk,
		Compression: codec.None,
	}
}

func TestAssembleCmdline(t *testing.T) {
	assert.Equal(t, "kern_guid=%U console=tty0 root=/dev/sda2",
		AssembleCmdline([]string{"console=tty0", "root=/dev/sda2"}, true, false))

	// An explicit kern_guid is not duplicated.
	assert.Equal(t, "kern_guid=%U quiet",
		AssembleCmdline([]string{"kern_guid=%U quiet"}, true, false))

	assert.Equal(t, "quiet", AssembleCmdline([]string{"quiet"}, false, false))

	assert.Equal(t, "kern_guid=%U root=/dev/sda2 noinitrd",
		AssembleCmdline([]string{"root=/dev/sda2"}, true, true))
}

func TestValidatePlan(t *testing.T) {
	kernel := bzImageInput(0x100000, 0x100000, 0x1000)

	err := validatePlan(&BuildPlan{})
	assert.ErrorIs(t, err, ClassificationError)

	base := BuildPlan{
		Inputs:          &inputs.Inputs{Kernel: kernel},
		KeyblockPath:    "kernel.keyblock",
		SignPrivatePath: "kernel_data_key.vbprivk",
		OutputPath:      "image.img",
	}

	withDtbs := base
	withDtbs.Format = FormatZimage
	withDtbs.Inputs = &inputs.Inputs{
		Kernel:      kernel,
		DeviceTrees: []*inputs.Input{{Path: "board.dtb"}},
	}
	err = validatePlan(&withDtbs)
	assert.ErrorIs(t, err, UnsupportedCombinationError)

	compressed := base
	compressed.Format = FormatZimage
	compressed.Compression = codec.Lz4
	err = validatePlan(&compressed)
	assert.ErrorIs(t, err, UnsupportedCombinationError)

	ok := base
	ok.Format = FormatZimage
	assert.NoError(t, validatePlan(&ok))
}

func TestBuildZimageNoRamdisk(t *testing.T) {
	tempDir := t.TempDir()
	builder := &Builder{
		Signer:  fakeSigner{bodyLoad: 0x100000},
		TempDir: tempDir,
	}

	plan := &BuildPlan{
		Format:          FormatZimage,
		Inputs:          &inputs.Inputs{Kernel: bzImageInput(0x100000, 0x800000, 0x10000)},
		Arch:            "x86",
		Cmdline:         "console=tty0",
		KeyblockPath:    "kernel.keyblock",
		SignPrivatePath: "kernel_data_key.vbprivk",
		OutputPath:      filepath.Join(tempDir, "out.img"),
	}

	artifact, err := builder.Build(plan)
	require.NoError(t, err)

	data, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	signed, err := zimage.ParseSigned(data)
	require.NoError(t, err)

	body, err := zimage.Parse(signed.Body())
	require.NoError(t, err)
	assert.Zero(t, body.RamdiskImage())
	assert.Zero(t, body.RamdiskSize())
}

func TestBuildZimagePadKernelHack(t *testing.T) {
	tempDir := t.TempDir()
	builder := &Builder{
		Signer:  fakeSigner{bodyLoad: 0x100000},
		TempDir: tempDir,
	}

	// The body load matches the preferred address, so the ramdisk
	// naturally lands inside [pref, pref+init_size).
	initSize := uint32(0x800000)
	ramdisk := ramdiskInput(0x1000)
	plan := &BuildPlan{
		Format:          FormatZimage,
		Inputs:          &inputs.Inputs{Kernel: bzImageInput(0x100000, initSize, 0x10000), Ramdisks: []*inputs.Input{ramdisk}},
		Arch:            "x86",
		ZimageHack:      HackPadKernel,
		Cmdline:         "console=tty0",
		KeyblockPath:    "kernel.keyblock",
		SignPrivatePath: "kernel_data_key.vbprivk",
		OutputPath:      filepath.Join(tempDir, "out.img"),
	}

	artifact, err := builder.Build(plan)
	require.NoError(t, err)

	data, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	signed, err := zimage.ParseSigned(data)
	require.NoError(t, err)

	body, err := zimage.Parse(signed.Body())
	require.NoError(t, err)

	// The patched ramdisk address must sit past the relocation area.
	assert.GreaterOrEqual(t, uint64(body.RamdiskImage()), uint64(0x100000)+uint64(initSize))
	assert.Equal(t, uint32(len(ramdisk.Data)), body.RamdiskSize())
	assert.Equal(t, uint64(body.RamdiskImage()), signed.BootloaderAddress())
}

func TestBuildZimageGrowInitSizeHack(t *testing.T) {
	tempDir := t.TempDir()
	builder := &Builder{
		Signer:  fakeSigner{bodyLoad: 0x100000},
		TempDir: tempDir,
	}

	initSize := uint32(0x200000)
	ramdisk := ramdiskInput(0x1000)
	plan := &BuildPlan{
		Format:          FormatZimage,
		Inputs:          &inputs.Inputs{Kernel: bzImageInput(0x100000, initSize, 0x10000), Ramdisks: []*inputs.Input{ramdisk}},
		Arch:            "x86",
		ZimageHack:      HackGrowInitSize,
		Cmdline:         "console=tty0",
		KeyblockPath:    "kernel.keyblock",
		SignPrivatePath: "kernel_data_key.vbprivk",
		OutputPath:      filepath.Join(tempDir, "out.img"),
	}

	artifact, err := builder.Build(plan)
	require.NoError(t, err)

	data, err := os.ReadFile(artifact.Path)
	require.NoError(t, err)
	signed, err := zimage.ParseSigned(data)
	require.NoError(t, err)

	body, err := zimage.Parse(signed.Body())
	require.NoError(t, err)

	// init_size grows to end past the ramdisk instead of moving it.
	ramdiskEnd := uint64(body.RamdiskImage()) + uint64(body.RamdiskSize())
	assert.Greater(t, uint64(0x100000)+uint64(body.InitSize()), ramdiskEnd)
	assert.Greater(t, body.InitSize(), initSize)
}

func dtbInput(size int) *inputs.Input {
	data := make([]byte, size)
	copy(data, []byte{0xD0, 0x0D, 0xFE, 0xED})
	return &inputs.Input{
		Path:        "board.dtb",
		Data:        data,
		Role:        inputs.RoleDeviceTree,
		Compression: codec.None,
	}
}

func TestBuildFitInjectsInitrdAddress(t *testing.T) {
	tempDir := t.TempDir()
	packer := newFakePacker()
	builder := &Builder{
		Packer:  packer,
		Signer:  fakeSigner{bodyLoad: 0x2000000},
		TempDir: tempDir,
	}

	ramdisk := ramdiskInput(0x800)
	dtb := dtbInput(0x100)
	kernel := &inputs.Input{
		Path:        "vmlinux",
		Data:        append([]byte{0x7F, 'E', 'L', 'F'}, make([]byte, 0x4000)...),
		Role:        inputs.RoleKernel,
		Compression: codec.None,
	}

	plan := &BuildPlan{
		Format:            FormatFit,
		Inputs:            &inputs.Inputs{Kernel: kernel, Ramdisks: []*inputs.Input{ramdisk}, DeviceTrees: []*inputs.Input{dtb}},
		Compression:       codec.None,
		Arch:              "arm64",
		KernelLoadAddress: 0x2000000,
		Cmdline:           "console=tty0 root=/dev/mmcblk0p3",
		KeyblockPath:      "kernel.keyblock",
		SignPrivatePath:   "kernel_data_key.vbprivk",
		OutputPath:        filepath.Join(tempDir, "out.img"),
	}

	_, err := builder.Build(plan)
	require.NoError(t, err)

	// Two passes: placeholder pack, then the real addresses.
	assert.Equal(t, 2, packer.packs)

	dtbPath := filepath.Join(tempDir, "dtb-0.dtb")
	ranges := packer.initrdRanges[dtbPath]
	require.Len(t, ranges, 2)
	assert.Equal(t, [2]uint64{0, 0}, ranges[0])

	// The packed layout is "FITSTART" + kernel + dtb + ramdisk, and the
	// signer's vblock drops out of the loaded body, so the ramdisk's
	// memory address is the load address plus its offset into the FIT.
	expected := uint64(0x2000000) + 8 + uint64(len(kernel.Data)) + uint64(len(dtb.Data))
	assert.Equal(t, [2]uint64{expected, expected + 0x800}, ranges[1])
}

func TestBuildFitRamdiskPlacementDrift(t *testing.T) {
	tempDir := t.TempDir()
	packer := &driftPacker{fakePacker: newFakePacker()}
	builder := &Builder{
		Packer:  packer,
		Signer:  fakeSigner{bodyLoad: 0x2000000},
		TempDir: tempDir,
	}

	plan := &BuildPlan{
		Format:            FormatFit,
		Inputs:            &inputs.Inputs{Kernel: &inputs.Input{Path: "vmlinux", Data: append([]byte{0x7F, 'E', 'L', 'F'}, make([]byte, 0x1000)...), Role: inputs.RoleKernel, Compression: codec.None}, Ramdisks: []*inputs.Input{ramdiskInput(0x400)}, DeviceTrees: []*inputs.Input{dtbInput(0x100)}},
		Compression:       codec.None,
		Arch:              "arm64",
		KernelLoadAddress: 0x2000000,
		Cmdline:           "console=tty0 root=/dev/mmcblk0p3",
		KeyblockPath:      "kernel.keyblock",
		SignPrivatePath:   "kernel_data_key.vbprivk",
		OutputPath:        filepath.Join(tempDir, "out.img"),
	}

	// The second pack shifts the ramdisk, so the injected addresses no
	// longer describe where it actually sits; the build must refuse to
	// ship that image.
	_, err := builder.Build(plan)
	assert.ErrorIs(t, err, PlacementDriftError)
}

func TestBuildFitWithExplicitRamdiskAddress(t *testing.T) {
	tempDir := t.TempDir()
	packer := newFakePacker()
	builder := &Builder{
		Packer:  packer,
		Signer:  fakeSigner{bodyLoad: 0x2000000},
		TempDir: tempDir,
	}

	ramdisk := ramdiskInput(0x800)
	kernel := &inputs.Input{
		Path:        "vmlinux",
		Data:        append([]byte{0x7F, 'E', 'L', 'F'}, make([]byte, 0x4000)...),
		Role:        inputs.RoleKernel,
		Compression: codec.None,
	}

	plan := &BuildPlan{
		Format:             FormatFit,
		Inputs:             &inputs.Inputs{Kernel: kernel, Ramdisks: []*inputs.Input{ramdisk}},
		Compression:        codec.Lz4,
		Name:               "kevin",
		Arch:               "arm64",
		KernelLoadAddress:  0x2000000,
		RamdiskLoadAddress: 0x3000000,
		Cmdline:            "console=tty0",
		KeyblockPath:       "kernel.keyblock",
		SignPrivatePath:    "kernel_data_key.vbprivk",
		OutputPath:         filepath.Join(tempDir, "out.img"),
	}

	artifact, err := builder.Build(plan)
	require.NoError(t, err)
	assert.Positive(t, artifact.Size)

	// Single-pass build: the address is known up front.
	assert.Equal(t, 1, packer.packs)
	assert.Contains(t, packer.stringPatches, "/images/kernel-1:type=kernel_noload")
	assert.Equal(t, uint32(0x3000000), packer.cellPatches["/images/ramdisk-1:load"])
}

func TestBuildFitNativeRamdiskSupport(t *testing.T) {
	tempDir := t.TempDir()
	packer := newFakePacker()
	builder := &Builder{
		Packer:  packer,
		Signer:  fakeSigner{bodyLoad: 0x2000000},
		TempDir: tempDir,
	}

	ramdisk := ramdiskInput(0x800)
	kernel := &inputs.Input{
		Path:        "vmlinux",
		Data:        append([]byte{0x7F, 'E', 'L', 'F'}, make([]byte, 0x4000)...),
		Role:        inputs.RoleKernel,
		Compression: codec.None,
	}

	plan := &BuildPlan{
		Format:            FormatFit,
		Inputs:            &inputs.Inputs{Kernel: kernel, Ramdisks: []*inputs.Input{ramdisk}},
		Compression:       codec.None,
		Arch:              "arm64",
		KernelLoadAddress: 0x2000000,
		FitRamdiskSupport: true,
		Cmdline:           "console=tty0",
		KeyblockPath:      "kernel.keyblock",
		SignPrivatePath:   "kernel_data_key.vbprivk",
		OutputPath:        filepath.Join(tempDir, "out.img"),
	}

	_, err := builder.Build(plan)
	require.NoError(t, err)

	assert.Equal(t, 1, packer.packs)
	// No load-address patch when the firmware places the ramdisk.
	assert.Empty(t, packer.cellPatches)
}
