// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package mkdepthchargelib

import (
	"fmt"
	"path/filepath"

	"github.com/alpernebbi/depthcharge-tools/internal/file"
	"github.com/alpernebbi/depthcharge-tools/internal/layout"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/vboot"
	"github.com/alpernebbi/depthcharge-tools/internal/zimage"
)

// buildZimage signs a bzImage directly.
//
// The zimage format has no ramdisk slot at all, so a ramdisk is
// smuggled in through the signer's auxiliary-bootloader slot, which
// depthcharge loads but otherwise ignores. The signer records where
// that blob ends up in memory; those coordinates are then patched into
// the kernel's own boot-protocol header, and the edited image is
// re-signed because the binary edits invalidate the first signature.
func (b *Builder) buildZimage(plan *BuildPlan, configPath string) (string, error) {
	kernel, err := kernelData(plan)
	if err != nil {
		return "", err
	}

	params, err := zimage.Parse(kernel)
	if err != nil {
		return "", NewBuildErrorWithCause(ClassificationError,
			"kernel input is not a bzImage", err)
	}

	kernelPath := filepath.Join(b.TempDir, "vmlinuz")
	if err := file.Write(params.Bytes(), kernelPath); err != nil {
		return "", err
	}

	ramdisk := plan.Inputs.ConcatenatedRamdisk()
	if ramdisk == nil {
		// No binary edits needed; the signer does everything.
		return b.packSignedZimage(plan, configPath, kernelPath, "", "image.img")
	}

	ramdiskPath := filepath.Join(b.TempDir, "initramfs")
	if err := file.Write(ramdisk, ramdiskPath); err != nil {
		return "", err
	}

	tempImage, err := b.packSignedZimage(plan, configPath, kernelPath, ramdiskPath, "temp.img")
	if err != nil {
		return "", err
	}
	tempData, err := file.Read(tempImage)
	if err != nil {
		return "", err
	}

	signed, err := zimage.ParseSigned(tempData)
	if err != nil {
		return "", NewBuildErrorWithCause(PackagingError,
			"signer produced an unreadable image", err)
	}

	ramdiskAddr := signed.BootloaderAddress()
	prefAddr := params.PrefAddress()
	initSize := uint64(params.InitSize())
	initEnd := prefAddr + initSize

	if ramdiskAddr < initEnd {
		switch plan.ZimageHack {
		case HackPadKernel:
			// Push the ramdisk past the self-relocation area by
			// growing the kernel file it is packed after.
			padded := layout.AlignUp(
				uint64(len(params.Bytes()))+(initEnd-ramdiskAddr), layout.PadAlign)
			logger.Log.Infof("Padding kernel from %d to %d bytes to move the ramdisk past init_size.",
				len(params.Bytes()), padded)

			if err := params.Pad(int64(padded)); err != nil {
				return "", err
			}
			if err := file.Write(params.Bytes(), kernelPath); err != nil {
				return "", err
			}

			tempImage, err = b.packSignedZimage(plan, configPath, kernelPath, ramdiskPath, "temp.img")
			if err != nil {
				return "", err
			}
			tempData, err = file.Read(tempImage)
			if err != nil {
				return "", err
			}
			signed, err = zimage.ParseSigned(tempData)
			if err != nil {
				return "", NewBuildErrorWithCause(PackagingError,
					"signer produced an unreadable image", err)
			}
			ramdiskAddr = signed.BootloaderAddress()

			if ramdiskAddr < initEnd {
				return "", NewBuildError(PlacementDriftError,
					"kernel padding did not move the ramdisk past init_size")
			}

		case HackGrowInitSize:
			// Make the kernel reserve memory past the ramdisk's end
			// so its relocation leaves the ramdisk alone. Growing
			// never shrinks the reservation.
			newInitSize := layout.AlignUp(
				ramdiskAddr+uint64(len(ramdisk))+layout.SafetyMargin-prefAddr,
				layout.PadAlign)
			if newInitSize < initSize {
				newInitSize = initSize
			}
			logger.Log.Infof("Growing init_size from %#x to %#x to cover the ramdisk.",
				initSize, newInitSize)

			if err := signed.PatchBodyInitSize(uint32(newInitSize)); err != nil {
				return "", err
			}

		default:
			logger.Log.Warnf("Ramdisk at %#x overlaps the kernel's init_size area ending at %#x.",
				ramdiskAddr, initEnd)
		}
	}

	if err := signed.PatchBodyRamdisk(uint32(ramdiskAddr), uint32(len(ramdisk))); err != nil {
		return "", err
	}

	window := layout.AddressWindow{Start: ramdiskAddr, End: ramdiskAddr + uint64(len(ramdisk))}
	logger.Log.Debugf("Ramdisk placed at [%#x, %#x).", window.Start, window.End)

	editedPath := filepath.Join(b.TempDir, "edited.img")
	if err := file.Write(signed.Bytes(), editedPath); err != nil {
		return "", err
	}

	// The edits invalidate the pass-1 signature; never ship it.
	imagePath := filepath.Join(b.TempDir, "image.img")
	err = b.Signer.Repack(imagePath, editedPath, plan.KeyblockPath, plan.SignPrivatePath)
	if err != nil {
		return "", NewBuildErrorWithCause(PackagingError, "failed to re-sign edited image", err)
	}

	return imagePath, nil
}

func (b *Builder) packSignedZimage(plan *BuildPlan, configPath string,
	kernelPath string, ramdiskPath string, name string,
) (string, error) {
	bootloaderPath := ramdiskPath
	if bootloaderPath == "" {
		bootloaderPath = filepath.Join(b.TempDir, "bootloader.bin")
		if err := file.Write([]byte{}, bootloaderPath); err != nil {
			return "", err
		}
	}

	imagePath := filepath.Join(b.TempDir, name)
	err := b.Signer.Pack(vboot.PackRequest{
		VmlinuzPath:     kernelPath,
		ConfigPath:      configPath,
		BootloaderPath:  bootloaderPath,
		KeyblockPath:    plan.KeyblockPath,
		SignPrivatePath: plan.SignPrivatePath,
		Arch:            plan.Arch,
		OutputPath:      imagePath,
	})
	if err != nil {
		return "", NewBuildErrorWithCause(PackagingError,
			fmt.Sprintf("failed to sign zimage (%s)", imagePath), err)
	}

	return imagePath, nil
}
