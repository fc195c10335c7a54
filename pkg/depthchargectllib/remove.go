// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/alpernebbi/depthcharge-tools/internal/file"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/partition"
	"github.com/alpernebbi/depthcharge-tools/internal/zimage"
)

// RemoveOptions controls disabling slots by image content.
type RemoveOptions struct {
	// DiskPaths restricts the search, like TargetOptions.DiskPaths.
	DiskPaths []string
	// Force allows disabling the currently booted slot.
	Force bool
}

// RemoveImage disables every kernel partition holding the given image.
// Slots are matched by comparing the image's first 64 KiB, its unique
// signature header, byte for byte against the partition contents;
// never by size or name.
func RemoveImage(gpt partition.GptEditor, imagePath string, opts RemoveOptions) ([]*partition.KernelPartition, error) {
	header, err := file.ReadFirstBytes(imagePath, zimage.VblockSize)
	if err != nil {
		return nil, err
	}
	if len(header) < zimage.VblockSize {
		logger.Log.Warnf("Image (%s) is shorter than a signature header; nothing can match it.", imagePath)
		return nil, nil
	}

	disks, err := targetDisks(gpt, opts.DiskPaths)
	if err != nil {
		return nil, err
	}

	current, err := partition.CurrentSlot(disks)
	if err != nil {
		return nil, err
	}

	disabled := []*partition.KernelPartition(nil)
	for _, disk := range disks {
		parts, err := disk.KernelPartitions()
		if err != nil {
			return nil, err
		}

		for _, part := range parts {
			slotHeader, err := readSlotHeader(part, zimage.VblockSize)
			if err != nil {
				logger.Log.Debugf("Could not read partition (%s): %v", part, err)
				continue
			}
			if !bytes.Equal(slotHeader, header) {
				continue
			}

			if current != nil && !opts.Force &&
				part.Disk.Path == current.Disk.Path && part.Number == current.Number {
				logger.Log.Warnf("Not disabling currently booted partition (%s); use force to override.", part)
				continue
			}

			if err := Disable(part); err != nil {
				return disabled, err
			}
			disabled = append(disabled, part)
		}
	}

	return disabled, nil
}

func readSlotHeader(part *partition.KernelPartition, n int) ([]byte, error) {
	devicePath := part.DevicePath()
	if exists, _ := file.PathExists(devicePath); exists {
		return file.ReadFirstBytes(devicePath, n)
	}

	offset, err := part.StartOffset()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(part.Disk.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open disk (%s):\n%w", part.Disk.Path, err)
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read partition (%s):\n%w", part, err)
	}
	return buf[:read], nil
}
