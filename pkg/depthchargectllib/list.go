// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/alpernebbi/depthcharge-tools/internal/partition"
)

// SlotInfo is one kernel partition's decoded state, for listing.
type SlotInfo struct {
	DiskPath   string
	Number     int
	DevicePath string
	Successful bool
	Priority   uint8
	Tries      uint8
	Size       int64
}

// ListSlots enumerates the kernel partitions on the given disks, or on
// the system's bootable disks when none are given.
func ListSlots(gpt partition.GptEditor, diskPaths []string) ([]SlotInfo, error) {
	disks, err := targetDisks(gpt, diskPaths)
	if err != nil {
		return nil, err
	}

	infos := []SlotInfo(nil)
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

			infos = append(infos, SlotInfo{
				DiskPath:   disk.Path,
				Number:     part.Number,
				DevicePath: part.DevicePath(),
				Successful: attr.Successful(),
				Priority:   attr.Priority(),
				Tries:      attr.Tries(),
				Size:       size,
			})
		}
	}

	return infos, nil
}

// WriteSlotTable prints slot infos as an aligned table.
func WriteSlotTable(w io.Writer, infos []SlotInfo) error {
	table := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(table, "DEVICE\tSUCCESSFUL\tPRIORITY\tTRIES\tSIZE")

	for _, info := range infos {
		successful := 0
		if info.Successful {
			successful = 1
		}
		fmt.Fprintf(table, "%s\t%d\t%d\t%d\t%d\n",
			info.DevicePath, successful, info.Priority, info.Tries, info.Size)
	}

	return table.Flush()
}
