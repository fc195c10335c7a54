// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"sort"

	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/partition"
)

// slotCandidate is a kernel partition with the state the selector
// orders by.
type slotCandidate struct {
	part *partition.KernelPartition
	attr partition.Attribute
	size int64
}

// TargetOptions controls slot selection.
type TargetOptions struct {
	// DiskPaths restricts the search to explicit disks; empty means
	// the disks backing the running system's root and boot mounts.
	DiskPaths []string
	// MinSize is the size floor, normally the artifact about to be
	// written.
	MinSize int64
	// AllowCurrent permits selecting the currently booted slot.
	AllowCurrent bool
}

// SelectTargetSlot picks the kernel partition to write the next image
// to: the one the firmware is least attached to. Healthy slots lose to
// unsuccessful ones, then lower priority loses to higher, then fewer
// tries, then smaller size. A slot that is currently the best boot
// candidate is never evicted while another candidate exists.
func SelectTargetSlot(gpt partition.GptEditor, opts TargetOptions) (*partition.KernelPartition, error) {
	disks, err := targetDisks(gpt, opts.DiskPaths)
	if err != nil {
		return nil, err
	}

	candidates := []slotCandidate(nil)
	for _, disk := range disks {
		parts, err := disk.KernelPartitions()
		if err != nil {
			return nil, err
		}

		for _, part := range parts {
			attr, err := part.Attribute()
			if err != nil {
				return nil, err
			}
			size, err := part.Size()
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, slotCandidate{part: part, attr: attr, size: size})
		}
	}

	if len(candidates) == 0 {
		return nil, NewDepthchargectlError(NoUsableSlotError, NoEligiblePartitionsError.Error())
	}

	fitting := []slotCandidate(nil)
	for _, candidate := range candidates {
		if opts.MinSize > 0 && candidate.size < opts.MinSize {
			logger.Log.Debugf("Skipping partition (%s), smaller than the image.", candidate.part)
			continue
		}
		fitting = append(fitting, candidate)
	}
	if len(fitting) == 0 {
		return nil, NewDepthchargectlError(NoUsableSlotError, PartitionTooSmallError.Error())
	}

	if !opts.AllowCurrent {
		current, err := partition.CurrentSlot(disks)
		if err != nil {
			return nil, err
		}
		if current != nil {
			remaining := []slotCandidate(nil)
			for _, candidate := range fitting {
				if candidate.part.Disk.Path == current.Disk.Path &&
					candidate.part.Number == current.Number {
					logger.Log.Debugf("Skipping currently booted partition (%s).", candidate.part)
					continue
				}
				remaining = append(remaining, candidate)
			}
			if len(remaining) == 0 {
				return nil, NewDepthchargectlError(NoUsableSlotError, CurrentSlotOnlyError.Error())
			}
			fitting = remaining
		}
	}

	sort.SliceStable(fitting, func(i, j int) bool {
		return lessCandidate(fitting[i], fitting[j])
	})

	target := fitting[0]
	logger.Log.Infof("Targeting partition (%s) with %s.", target.part, target.attr)
	return target.part, nil
}

// lessCandidate orders candidates by (successful, priority, tries,
// size) lexicographically; the minimum is the slot to overwrite.
func lessCandidate(a slotCandidate, b slotCandidate) bool {
	aSuccess, bSuccess := boolToInt(a.attr.Successful()), boolToInt(b.attr.Successful())
	if aSuccess != bSuccess {
		return aSuccess < bSuccess
	}
	if a.attr.Priority() != b.attr.Priority() {
		return a.attr.Priority() < b.attr.Priority()
	}
	if a.attr.Tries() != b.attr.Tries() {
		return a.attr.Tries() < b.attr.Tries()
	}
	return a.size < b.size
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func targetDisks(gpt partition.GptEditor, diskPaths []string) ([]*partition.Disk, error) {
	if len(diskPaths) == 0 {
		return partition.BootableDisks(gpt)
	}

	disks := []*partition.Disk(nil)
	for _, path := range diskPaths {
		disks = append(disks, partition.NewDisk(path, gpt))
	}
	return disks, nil
}
