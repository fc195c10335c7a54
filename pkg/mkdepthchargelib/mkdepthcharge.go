// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package mkdepthchargelib builds signed depthcharge boot images from
// kernel, ramdisk and device-tree inputs, in either the FIT container
// format or the raw zimage format.
package mkdepthchargelib

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alpernebbi/depthcharge-tools/internal/codec"
	"github.com/alpernebbi/depthcharge-tools/internal/file"
	"github.com/alpernebbi/depthcharge-tools/internal/fit"
	"github.com/alpernebbi/depthcharge-tools/internal/inputs"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/vboot"
)

// Format selects the on-disk image format.
type Format string

const (
	// FormatFit packs the kernel into a FIT container, used by
	// arm and arm64 boards.
	FormatFit Format = "fit"
	// FormatZimage signs a bzImage directly, used by x86 boards.
	FormatZimage Format = "zimage"
)

// InitramfsHack selects how a zimage build keeps the ramdisk out of
// the kernel's self-relocation area.
type InitramfsHack string

const (
	HackNone         InitramfsHack = "none"
	HackPadKernel    InitramfsHack = "pad"
	HackGrowInitSize InitramfsHack = "init-size"
)

// BuildPlan is everything one build needs, resolved before packing
// starts. It is created and discarded within a single invocation.
type BuildPlan struct {
	Format Format
	Inputs *inputs.Inputs

	Compression codec.Kind
	Name        string
	// Arch is the packer's architecture tag (arm, arm64, x86).
	Arch string

	// KernelLoadAddress is where the firmware loads the image body.
	KernelLoadAddress uint64
	// RamdiskLoadAddress, when nonzero, is patched directly into the
	// ramdisk sub-image node instead of the device-tree injection
	// flow.
	RamdiskLoadAddress uint64
	// FitRamdiskSupport means the firmware places the ramdisk on its
	// own and no placement prediction is needed.
	FitRamdiskSupport bool
	// DtbDuplication works around firmware that consumes each
	// device tree twice when loading.
	DtbDuplication bool
	// ZimageHack selects the zimage ramdisk placement workaround.
	ZimageHack InitramfsHack

	Cmdline         string
	KeyblockPath    string
	SignPrivatePath string

	// Timestamp fixes the container build time for reproducible
	// output; zero means current time.
	Timestamp time.Time

	OutputPath string
}

// SignedArtifact is a finished, verified image.
type SignedArtifact struct {
	Path string
	Size int64
}

// Builder runs build plans through the packer and signer capabilities.
type Builder struct {
	Packer fit.Packer
	Signer vboot.Signer
	// TempDir holds every intermediate artifact; the caller owns its
	// cleanup.
	TempDir string
}

func NewBuilder(tempDir string) *Builder {
	return &Builder{
		Packer:  fit.MkimagePacker{},
		Signer:  vboot.FutilitySigner{},
		TempDir: tempDir,
	}
}

// Build turns the plan into a signed artifact at plan.OutputPath. The
// artifact is built in the temp dir and only moved into place once
// signed and verified.
func (b *Builder) Build(plan *BuildPlan) (*SignedArtifact, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	configPath := filepath.Join(b.TempDir, "cmdline")
	if err := file.Write([]byte(plan.Cmdline+"\n"), configPath); err != nil {
		return nil, err
	}

	var imagePath string
	var err error
	switch plan.Format {
	case FormatFit:
		imagePath, err = b.buildFit(plan, configPath)
	case FormatZimage:
		imagePath, err = b.buildZimage(plan, configPath)
	default:
		return nil, NewBuildError(UnsupportedCombinationError,
			fmt.Sprintf("unknown image format (%s)", plan.Format))
	}
	if err != nil {
		return nil, err
	}

	if err := b.Signer.Verify(imagePath, ""); err != nil {
		return nil, NewBuildErrorWithCause(PackagingError,
			"built image failed signature verification", err)
	}

	if err := file.Move(imagePath, plan.OutputPath); err != nil {
		return nil, err
	}

	info, err := os.Stat(plan.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat output image (%s):\n%w", plan.OutputPath, err)
	}

	logger.Log.Infof("Built depthcharge image (%s), %d bytes.", plan.OutputPath, info.Size())
	return &SignedArtifact{Path: plan.OutputPath, Size: info.Size()}, nil
}

func validatePlan(plan *BuildPlan) error {
	if plan.Inputs == nil || plan.Inputs.Kernel == nil {
		return NewBuildError(ClassificationError, KernelRequiredError.Error())
	}
	if plan.KeyblockPath == "" || plan.SignPrivatePath == "" {
		return NewBuildError(UnsupportedCombinationError, KeyblockRequiredError.Error())
	}
	if plan.OutputPath == "" {
		return NewBuildError(UnsupportedCombinationError, OutputRequiredError.Error())
	}
	if plan.Format == FormatZimage {
		if len(plan.Inputs.DeviceTrees) > 0 {
			return NewBuildError(UnsupportedCombinationError, DeviceTreesWithZimageError.Error())
		}
		if plan.Compression != "" && plan.Compression != codec.None {
			return NewBuildError(UnsupportedCombinationError, CompressedZimageError.Error())
		}
	}
	return nil
}

// kernelData returns the kernel's uncompressed bytes. The kernel is
// the one input committed in decompressed form.
func kernelData(plan *BuildPlan) ([]byte, error) {
	kernel := plan.Inputs.Kernel
	if kernel.Compression == codec.None {
		return kernel.Data, nil
	}

	c, err := codec.Lookup(kernel.Compression)
	if err != nil {
		return nil, err
	}

	data, err := c.Decompress(kernel.Data)
	if err != nil && len(data) == 0 {
		return nil, fmt.Errorf("failed to decompress kernel (%s) as %s:\n%w",
			kernel.Path, kernel.Compression, err)
	}
	return data, nil
}

// AssembleCmdline joins kernel command line fragments and applies the
// adjustments a depthcharge-booted system needs.
func AssembleCmdline(fragments []string, kernGuid bool, ignoreInitramfs bool) string {
	parts := []string(nil)
	hasKernGuid := false
	for _, fragment := range fragments {
		for _, param := range strings.Fields(fragment) {
			if strings.HasPrefix(param, "kern_guid=") {
				hasKernGuid = true
			}
			parts = append(parts, param)
		}
	}

	// Depthcharge substitutes the booted partition's GUID for %U,
	// which is how the running system learns its boot slot.
	if kernGuid && !hasKernGuid {
		parts = append([]string{"kern_guid=%U"}, parts...)
	}

	if ignoreInitramfs {
		parts = append(parts, "noinitrd")
	}

	return strings.Join(parts, " ")
}
