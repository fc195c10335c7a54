// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package mkdepthchargelib

import (
	"fmt"
	"path/filepath"

	"github.com/alpernebbi/depthcharge-tools/internal/codec"
	"github.com/alpernebbi/depthcharge-tools/internal/file"
	"github.com/alpernebbi/depthcharge-tools/internal/fit"
	"github.com/alpernebbi/depthcharge-tools/internal/layout"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/vboot"
)

// buildFit packs the inputs into a FIT container and signs it.
//
// When the firmware cannot place the ramdisk itself, its final memory
// address must be predicted and injected into the device trees as
// linux,initrd-start/end. The FIT format has no placement parameter,
// so this is done in two passes: pack with placeholder properties,
// find where the ramdisk bytes landed, patch the real addresses in,
// and pack again. Packing is offset-stable because the placeholders
// keep the device-tree sizes fixed; this is checked, not assumed.
func (b *Builder) buildFit(plan *BuildPlan, configPath string) (string, error) {
	kernel, err := kernelData(plan)
	if err != nil {
		return "", err
	}

	compression := plan.Compression
	if compression == "" {
		compression = codec.None
	}

	c, err := codec.Lookup(compression)
	if err != nil {
		return "", err
	}
	packedKernel, err := c.Compress(kernel)
	if err != nil {
		return "", fmt.Errorf("failed to compress kernel as %s:\n%w", compression, err)
	}

	kernelPath := filepath.Join(b.TempDir, "vmlinuz")
	if err := file.Write(packedKernel, kernelPath); err != nil {
		return "", err
	}

	ramdisk := plan.Inputs.ConcatenatedRamdisk()
	ramdiskPath := ""
	if ramdisk != nil {
		ramdiskPath = filepath.Join(b.TempDir, "initramfs")
		if err := file.Write(ramdisk, ramdiskPath); err != nil {
			return "", err
		}
	}

	// Device trees are patched in place, so work on copies.
	dtbPaths := []string(nil)
	for i, dtb := range plan.Inputs.DeviceTrees {
		dtbPath := filepath.Join(b.TempDir, fmt.Sprintf("dtb-%d.dtb", i))
		if err := file.Write(dtb.Data, dtbPath); err != nil {
			return "", err
		}
		dtbPaths = append(dtbPaths, dtbPath)
	}

	injectInitrd := ramdisk != nil &&
		!plan.FitRamdiskSupport &&
		plan.RamdiskLoadAddress == 0 &&
		len(dtbPaths) > 0

	if ramdisk != nil && !plan.FitRamdiskSupport &&
		plan.RamdiskLoadAddress == 0 && len(dtbPaths) == 0 {
		logger.Log.Warnf("No device trees to inject the ramdisk address into; " +
			"the firmware may not find the ramdisk.")
	}

	if injectInitrd {
		// Placeholders keep the packed sizes stable across passes.
		for _, dtbPath := range dtbPaths {
			if err := b.Packer.SetInitrdRange(dtbPath, 0, 0); err != nil {
				return "", err
			}
		}
	}

	if !injectInitrd {
		return b.packSignedFit(plan, configPath, kernelPath, ramdiskPath, dtbPaths, "image.img")
	}

	// Pass 1: find where packing places the ramdisk.
	tempImage, err := b.packSignedFit(plan, configPath, kernelPath, ramdiskPath, dtbPaths, "temp.img")
	if err != nil {
		return "", err
	}
	tempData, err := file.Read(tempImage)
	if err != nil {
		return "", err
	}

	offset, err := fit.PayloadOffset(tempData, ramdisk)
	if err != nil {
		return "", NewBuildErrorWithCause(PlacementDriftError,
			"could not locate the ramdisk in the packed image", err)
	}
	address := layout.OffsetToAddress(int64(offset), plan.KernelLoadAddress)

	// Older firmware runs the kernel's self-decompression right over
	// an adjacently placed ramdisk; pad the kernel to push the
	// ramdisk past the scratch area.
	safeStart := layout.SafeRamdiskStart(packedKernel, plan.KernelLoadAddress)
	if paddedSize := layout.PadKernelFor(int64(len(packedKernel)), address, safeStart); paddedSize > 0 {
		logger.Log.Infof("Padding kernel from %d to %d bytes to protect the ramdisk from self-decompression.",
			len(packedKernel), paddedSize)

		padded := append(packedKernel, make([]byte, paddedSize-int64(len(packedKernel)))...)
		if err := file.Write(padded, kernelPath); err != nil {
			return "", err
		}

		tempImage, err = b.packSignedFit(plan, configPath, kernelPath, ramdiskPath, dtbPaths, "temp.img")
		if err != nil {
			return "", err
		}
		tempData, err = file.Read(tempImage)
		if err != nil {
			return "", err
		}

		offset, err = fit.PayloadOffset(tempData, ramdisk)
		if err != nil {
			return "", NewBuildErrorWithCause(PlacementDriftError,
				"could not locate the ramdisk in the padded image", err)
		}
		address = layout.OffsetToAddress(int64(offset), plan.KernelLoadAddress)
	}

	window := layout.AddressWindow{Start: address, End: address + uint64(len(ramdisk))}
	logger.Log.Debugf("Ramdisk placed at [%#x, %#x).", window.Start, window.End)

	// Pass 2: pack with the real addresses.
	for _, dtbPath := range dtbPaths {
		if err := b.Packer.SetInitrdRange(dtbPath, window.Start, window.End); err != nil {
			return "", err
		}
	}

	finalImage, err := b.packSignedFit(plan, configPath, kernelPath, ramdiskPath, dtbPaths, "image.img")
	if err != nil {
		return "", err
	}
	finalData, err := file.Read(finalImage)
	if err != nil {
		return "", err
	}

	finalOffset, err := fit.PayloadOffset(finalData, ramdisk)
	if err != nil || finalOffset != offset {
		return "", NewBuildError(PlacementDriftError, RamdiskOffsetMovedError.Error())
	}

	return finalImage, nil
}

// packSignedFit packs one FIT container, applies the post-pack
// patches, and signs it. Both passes of the two-pass flow run this
// same sequence so their layouts match.
func (b *Builder) packSignedFit(plan *BuildPlan, configPath string,
	kernelPath string, ramdiskPath string, dtbPaths []string, name string,
) (string, error) {
	packDtbs := dtbPaths
	if plan.DtbDuplication {
		// Firmware with the duplication bug consumes each device
		// tree twice.
		packDtbs = nil
		for _, dtbPath := range dtbPaths {
			packDtbs = append(packDtbs, dtbPath, dtbPath)
		}
	}

	fitPath := filepath.Join(b.TempDir, name+".fit")
	err := b.Packer.Pack(fit.PackRequest{
		KernelPath:      kernelPath,
		RamdiskPath:     ramdiskPath,
		DeviceTreePaths: packDtbs,
		Compression:     plan.Compression,
		Name:            plan.Name,
		Arch:            plan.Arch,
		Timestamp:       plan.Timestamp,
		OutputPath:      fitPath,
	})
	if err != nil {
		return "", NewBuildErrorWithCause(PackagingError, "failed to pack FIT container", err)
	}

	if err := fit.MarkKernelsNoload(b.Packer, fitPath); err != nil {
		return "", NewBuildErrorWithCause(PackagingError,
			"failed to retag kernel sub-images", err)
	}

	if ramdiskPath != "" && plan.RamdiskLoadAddress != 0 {
		err := fit.SetRamdiskLoadAddress(b.Packer, fitPath, uint32(plan.RamdiskLoadAddress))
		if err != nil {
			return "", NewBuildErrorWithCause(PackagingError,
				"failed to patch the ramdisk load address", err)
		}
	}

	bootloaderPath := filepath.Join(b.TempDir, "bootloader.bin")
	if err := file.Write([]byte{}, bootloaderPath); err != nil {
		return "", err
	}

	imagePath := filepath.Join(b.TempDir, name)
	err = b.Signer.Pack(vboot.PackRequest{
		VmlinuzPath:     fitPath,
		ConfigPath:      configPath,
		BootloaderPath:  bootloaderPath,
		KeyblockPath:    plan.KeyblockPath,
		SignPrivatePath: plan.SignPrivatePath,
		Arch:            plan.Arch,
		OutputPath:      imagePath,
	})
	if err != nil {
		return "", NewBuildErrorWithCause(PackagingError, "failed to sign FIT image", err)
	}

	return imagePath, nil
}
