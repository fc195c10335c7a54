// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package vboot signs and verifies depthcharge kernel images through
// the vboot reference implementation's futility tool.
package vboot

import (
	"fmt"

	"github.com/alpernebbi/depthcharge-tools/internal/shell"
)

const futilityTool = "futility"

// PackRequest describes one image to sign with vbutil_kernel.
type PackRequest struct {
	// VmlinuzPath is the kernel body: a FIT container or a bzImage.
	VmlinuzPath string
	// ConfigPath is a file holding the kernel command line.
	ConfigPath string
	// BootloaderPath is the auxiliary bootloader blob. Depthcharge
	// ignores it, but vbutil_kernel requires one; the raw-kernel
	// ramdisk trick smuggles the ramdisk in through this slot.
	BootloaderPath  string
	KeyblockPath    string
	SignPrivatePath string
	Arch            string
	OutputPath      string
}

// Signer packs, re-signs and verifies depthcharge kernel images. The
// production implementation shells out to futility; tests substitute a
// fake.
type Signer interface {
	Pack(req PackRequest) error
	Repack(outputPath string, oldBlobPath string, keyblockPath string, signPrivatePath string) error
	Verify(imagePath string, signPubkeyPath string) error
	ExtractVmlinuz(imagePath string, outputPath string) error
}

// FutilitySigner implements Signer with futility vbutil_kernel.
type FutilitySigner struct{}

func (FutilitySigner) Pack(req PackRequest) error {
	_, stderr, err := shell.Execute(futilityTool, "vbutil_kernel",
		"--version", "1",
		"--arch", req.Arch,
		"--vmlinuz", req.VmlinuzPath,
		"--config", req.ConfigPath,
		"--bootloader", req.BootloaderPath,
		"--keyblock", req.KeyblockPath,
		"--signprivate", req.SignPrivatePath,
		"--pack", req.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to sign image (%s):\n%v\n%w", req.OutputPath, stderr, err)
	}

	return nil
}

// Repack re-signs an already packed image whose body was edited after
// the original pack. The old signature is regenerated, never reused.
func (FutilitySigner) Repack(outputPath string, oldBlobPath string, keyblockPath string, signPrivatePath string) error {
	_, stderr, err := shell.Execute(futilityTool, "vbutil_kernel",
		"--oldblob", oldBlobPath,
		"--keyblock", keyblockPath,
		"--signprivate", signPrivatePath,
		"--repack", outputPath)
	if err != nil {
		return fmt.Errorf("failed to re-sign image (%s):\n%v\n%w", outputPath, stderr, err)
	}

	return nil
}

// Verify checks an image's signature, optionally against a specific
// public key.
func (FutilitySigner) Verify(imagePath string, signPubkeyPath string) error {
	args := []string{"vbutil_kernel", "--verify", imagePath}
	if signPubkeyPath != "" {
		args = append(args, "--signpubkey", signPubkeyPath)
	}

	_, stderr, err := shell.Execute(futilityTool, args...)
	if err != nil {
		return fmt.Errorf("failed to verify image (%s):\n%v\n%w", imagePath, stderr, err)
	}

	return nil
}

// ExtractVmlinuz pulls the kernel body back out of a signed image.
func (FutilitySigner) ExtractVmlinuz(imagePath string, outputPath string) error {
	_, stderr, err := shell.Execute(futilityTool, "vbutil_kernel",
		"--get-vmlinuz", imagePath,
		"--vmlinuz-out", outputPath)
	if err != nil {
		return fmt.Errorf("failed to extract kernel from (%s):\n%v\n%w", imagePath, stderr, err)
	}

	return nil
}
