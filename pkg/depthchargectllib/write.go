// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"fmt"
	"os"

	"github.com/alpernebbi/depthcharge-tools/internal/file"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/partition"
)

// WriteOptions controls writing an image into a boot slot.
type WriteOptions struct {
	// Target forces a specific slot; nil selects one.
	Target *partition.KernelPartition
	TargetOptions
	// NoCommit writes the image without making the slot the next
	// boot candidate.
	NoCommit bool
	// AllowCurrent in the embedded TargetOptions also applies here.
}

// WriteImage writes a built image into a kernel partition and commits
// that slot for a one-shot boot. The slot only becomes trusted when a
// later MarkGood confirms the boot worked.
//
// A failure after the raw write leaves the written bytes in place;
// only the attribute-word step is reported as failed.
func WriteImage(gpt partition.GptEditor, imagePath string, opts WriteOptions) (*partition.KernelPartition, error) {
	image, err := file.Read(imagePath)
	if err != nil {
		return nil, err
	}

	target := opts.Target
	if target == nil {
		targetOpts := opts.TargetOptions
		targetOpts.MinSize = int64(len(image))
		target, err = SelectTargetSlot(gpt, targetOpts)
		if err != nil {
			return nil, err
		}
	}

	size, err := target.Size()
	if err != nil {
		return nil, err
	}
	if int64(len(image)) > size {
		return nil, NewDepthchargectlError(NoUsableSlotError,
			fmt.Sprintf("image (%d bytes) does not fit in partition (%s) of %d bytes",
				len(image), target, size))
	}

	if err := writeSlot(target, image); err != nil {
		return nil, err
	}
	logger.Log.Infof("Wrote image (%s) to partition (%s).", imagePath, target)

	if opts.NoCommit {
		return target, nil
	}

	if err := Commit(target, true); err != nil {
		return target, err
	}
	return target, nil
}

// writeSlot writes the image bytes raw into the partition, through its
// own device node when one exists, at the partition's offset into the
// backing disk otherwise.
func writeSlot(part *partition.KernelPartition, image []byte) error {
	devicePath := part.DevicePath()
	if exists, _ := file.PathExists(devicePath); exists {
		return rawWrite(devicePath, 0, image)
	}

	offset, err := part.StartOffset()
	if err != nil {
		return err
	}
	return rawWrite(part.Disk.Path, offset, image)
}

func rawWrite(path string, offset int64, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return NewDepthchargectlErrorWithCause(IOError,
			fmt.Sprintf("failed to open (%s) for writing", path), err)
	}
	defer f.Close()

	written, err := f.WriteAt(data, offset)
	if err != nil {
		return NewDepthchargectlErrorWithCause(IOError,
			fmt.Sprintf("failed to write image to (%s)", path), err)
	}
	if written != len(data) {
		// No partial-write retry; a short write is fatal.
		return NewDepthchargectlError(IOError,
			fmt.Sprintf("%v: wrote %d of %d bytes to (%s)",
				ShortWriteError, written, len(data), path))
	}

	return f.Sync()
}
