// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/alpernebbi/depthcharge-tools/internal/codec"
	"github.com/alpernebbi/depthcharge-tools/internal/fdt"
	"github.com/alpernebbi/depthcharge-tools/internal/file"
	"github.com/alpernebbi/depthcharge-tools/internal/inputs"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/pkg/mkdepthchargelib"
)

// newBuilder and dtbCompatible are swapped out in tests to run builds
// against fake packer, signer and device-tree tools.
var (
	newBuilder    = mkdepthchargelib.NewBuilder
	dtbCompatible = fdt.Compatible
)

// BuildOptions describes one depthchargectl build: a board, the input
// files, and where the finished image goes.
type BuildOptions struct {
	Board *BoardProfile

	KernelPath      string
	InitramfsPaths  []string
	DeviceTreePaths []string

	// Compressions overrides the board's supported kinds; must be a
	// subset of them to produce a bootable image.
	Compressions []codec.Kind

	Cmdline         string
	IgnoreInitramfs bool

	KeyblockPath    string
	SignPrivatePath string

	// Timestamp fixes the build time for reproducible output.
	Timestamp time.Time

	OutputPath string
}

// BuildImage builds a board image, retrying across the allowed
// compression kinds until one fits under the board's size ceiling.
// The image is assembled in a temporary directory and moved to the
// output path only on full success; no partial artifact is ever
// installed.
func BuildImage(opts BuildOptions) (*mkdepthchargelib.SignedArtifact, error) {
	board := opts.Board
	if board == nil {
		return nil, NewDepthchargectlError(BoardConfigError, BoardRequiredError.Error())
	}

	paths := []string{opts.KernelPath}
	if !opts.IgnoreInitramfs {
		paths = append(paths, opts.InitramfsPaths...)
	}
	paths = append(paths, opts.DeviceTreePaths...)

	classified, err := inputs.Classify(paths)
	if err != nil {
		return nil, err
	}

	if board.DtCompatible != "" && len(classified.DeviceTrees) > 0 {
		classified.DeviceTrees, err = filterDeviceTrees(classified.DeviceTrees, board.DtCompatible)
		if err != nil {
			return nil, err
		}
	}

	// A ramdisk the firmware must load whole can exceed the ceiling
	// on its own; no compression retry fixes that.
	ramdisk := classified.ConcatenatedRamdisk()
	if int64(len(ramdisk)) >= board.ImageMaxSize {
		return nil, NewDepthchargectlError(InitramfsTooLargeError,
			fmt.Sprintf("initramfs (%d bytes) alone exceeds the board's maximum image size (%d)",
				len(ramdisk), board.ImageMaxSize))
	}

	compressions := opts.Compressions
	if len(compressions) == 0 {
		compressions = board.Compressions()
	}

	tempDir, err := os.MkdirTemp("", "depthchargectl-build-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory:\n%w", err)
	}
	defer os.RemoveAll(tempDir)

	cmdline := mkdepthchargelib.AssembleCmdline([]string{opts.Cmdline}, true, opts.IgnoreInitramfs)
	if !strings.Contains(" "+cmdline, " root=") {
		if len(classified.Ramdisks) == 0 {
			logger.Log.Warnf("No root= in the kernel command line and no initramfs packed; %v.",
				RootRequiresInitramfsError)
		} else {
			logger.Log.Warnf("No root= in the kernel command line; the initramfs must find the root filesystem.")
		}
	}

	var lastErr error
	for _, compression := range compressions {
		logger.Log.Infof("Trying to build a %s image with %s compression.",
			board.ImageFormat, compression)

		attemptDir := filepath.Join(tempDir, string(compression))
		if err := os.MkdirAll(attemptDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory (%s):\n%w", attemptDir, err)
		}

		builder := newBuilder(attemptDir)
		plan := &mkdepthchargelib.BuildPlan{
			Format:              board.ImageFormat,
			Inputs:              classified,
			Compression:         compression,
			Name:                board.Codename,
			Arch:                board.Arch,
			KernelLoadAddress:   board.KernelLoadAddress,
			RamdiskLoadAddress:  board.RamdiskLoadAddress,
			FitRamdiskSupport:   board.FitRamdiskSupport,
			DtbDuplication:      board.LoadsDtbTwice,
			ZimageHack:          board.ZimageInitramfsHack,
			Cmdline:             cmdline,
			KeyblockPath:        opts.KeyblockPath,
			SignPrivatePath:     opts.SignPrivatePath,
			Timestamp:           opts.Timestamp,
			OutputPath:          filepath.Join(attemptDir, "image.img"),
		}

		artifact, err := builder.Build(plan)
		if err != nil {
			lastErr = err
			logger.Log.Warnf("Build with %s compression failed: %v", compression, err)
			continue
		}

		if artifact.Size > board.ImageMaxSize {
			lastErr = NewDepthchargectlError(SizeExceededError,
				fmt.Sprintf("%s image (%d bytes) exceeds the board's maximum image size (%d)",
					compression, artifact.Size, board.ImageMaxSize))
			logger.Log.Infof("Image with %s compression is too big (%d > %d bytes).",
				compression, artifact.Size, board.ImageMaxSize)
			continue
		}

		if err := file.Move(artifact.Path, opts.OutputPath); err != nil {
			return nil, err
		}
		artifact.Path = opts.OutputPath
		return artifact, nil
	}

	if lastErr == nil {
		return nil, NewDepthchargectlError(SizeExceededError, "no compression kinds to try")
	}
	if errors.Is(lastErr, SizeExceededError) {
		return nil, NewDepthchargectlErrorWithCause(SizeExceededError,
			"image too large even after exhausting all requested compression kinds", lastErr)
	}
	return nil, lastErr
}

// filterDeviceTrees keeps the device trees whose root compatible
// strings include the board's dt-compatible value. Boards boot the
// wrong device tree silently, so packing an incompatible one is worse
// than refusing to build.
func filterDeviceTrees(dtbs []*inputs.Input, compatible string) ([]*inputs.Input, error) {
	matched := []*inputs.Input(nil)
	for _, dtb := range dtbs {
		compatibles, err := dtbCompatible(dtb.Path)
		if err != nil {
			return nil, NewDepthchargectlErrorWithCause(BoardConfigError,
				fmt.Sprintf("could not read compatible strings from (%s)", dtb.Path), err)
		}

		if slices.Contains(compatibles, compatible) {
			matched = append(matched, dtb)
			continue
		}
		logger.Log.Infof("Skipping device tree (%s), not compatible with (%s).",
			dtb.Path, compatible)
	}

	if len(matched) == 0 {
		return nil, NewDepthchargectlError(BoardConfigError,
			fmt.Sprintf("none of the device trees are compatible with (%s)", compatible))
	}
	return matched, nil
}
