// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alpernebbi/depthcharge-tools/internal/file"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/vboot"
	"github.com/alpernebbi/depthcharge-tools/internal/zimage"
	"github.com/alpernebbi/depthcharge-tools/pkg/mkdepthchargelib"
)

var fitMagic = []byte{0xD0, 0x0D, 0xFE, 0xED}

// CheckOptions controls validating an existing image.
type CheckOptions struct {
	Board *BoardProfile
	// PublicKeyPath, when set, pins signature verification to a
	// specific key instead of any key the signer trusts.
	PublicKeyPath string
}

// CheckImage validates an already built image against a board: it must
// exist, fit the board's size ceiling, carry a well-formed signature
// header, and pass the signer's verification. Returns nil when the
// image is safe to write to a boot slot.
func CheckImage(signer vboot.Signer, imagePath string, opts CheckOptions) error {
	info, err := os.Stat(imagePath)
	if err != nil {
		return NewDepthchargectlErrorWithCause(IOError,
			fmt.Sprintf("cannot read image (%s)", imagePath), err)
	}

	if opts.Board != nil && info.Size() > opts.Board.ImageMaxSize {
		return NewDepthchargectlError(SizeExceededError,
			fmt.Sprintf("image (%d bytes) exceeds the board's maximum image size (%d)",
				info.Size(), opts.Board.ImageMaxSize))
	}

	header, err := file.ReadFirstBytes(imagePath, zimage.VblockSize)
	if err != nil {
		return err
	}
	if _, err := zimage.ParseSigned(header); err != nil {
		return NewDepthchargectlErrorWithCause(BoardConfigError,
			fmt.Sprintf("image (%s) does not carry a vboot signature header", imagePath), err)
	}

	// FIT boards boot a FIT container; a signed image carrying anything
	// else passes signature checks but will not boot.
	if opts.Board != nil && opts.Board.ImageFormat == mkdepthchargelib.FormatFit {
		if err := checkFitPayload(signer, imagePath); err != nil {
			return err
		}
	}

	if err := signer.Verify(imagePath, opts.PublicKeyPath); err != nil {
		return NewDepthchargectlErrorWithCause(BoardConfigError,
			fmt.Sprintf("image (%s) failed signature verification", imagePath), err)
	}

	if opts.Board != nil {
		logger.Log.Infof("Image (%s) is a valid %s image for board (%s).",
			imagePath, opts.Board.ImageFormat, opts.Board.Codename)
	} else {
		logger.Log.Infof("Image (%s) carries a valid signature.", imagePath)
	}
	return nil
}

// checkFitPayload extracts the packed kernel blob and checks it is a
// flattened device tree, which is what a FIT container is.
func checkFitPayload(signer vboot.Signer, imagePath string) error {
	tempDir, err := os.MkdirTemp("", "depthchargectl-check-")
	if err != nil {
		return fmt.Errorf("failed to create temporary directory:\n%w", err)
	}
	defer os.RemoveAll(tempDir)

	vmlinuzPath := filepath.Join(tempDir, "vmlinuz")
	if err := signer.ExtractVmlinuz(imagePath, vmlinuzPath); err != nil {
		return NewDepthchargectlErrorWithCause(BoardConfigError,
			fmt.Sprintf("could not extract the packed kernel from (%s)", imagePath), err)
	}

	payload, err := file.ReadFirstBytes(vmlinuzPath, len(fitMagic))
	if err != nil {
		return err
	}
	if !bytes.Equal(payload, fitMagic) {
		return NewDepthchargectlError(BoardConfigError,
			fmt.Sprintf("image (%s) does not contain a FIT container", imagePath))
	}

	return nil
}
