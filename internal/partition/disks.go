// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package partition

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/moby/sys/mountinfo"

	"github.com/alpernebbi/depthcharge-tools/internal/file"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
)

const kernelCmdlinePath = "/proc/cmdline"

// BootableDisks returns the disks backing the running system's root
// and boot filesystems, deduplicated, root's disk first. These are the
// default disks the slot selector searches.
func BootableDisks(gpt GptEditor) ([]*Disk, error) {
	mounts, err := mountinfo.GetMounts(func(info *mountinfo.Info) (skip bool, stop bool) {
		return info.Mountpoint != "/" && info.Mountpoint != "/boot", false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table:\n%w", err)
	}

	// Scan root before /boot regardless of mount-table order.
	sources := []string(nil)
	for _, mountpoint := range []string{"/", "/boot"} {
		for _, mount := range mounts {
			if mount.Mountpoint == mountpoint {
				sources = append(sources, mount.Source)
			}
		}
	}

	seen := map[string]bool{}
	disks := []*Disk(nil)
	for _, source := range sources {
		diskPath, err := parentDisk(source)
		if err != nil {
			logger.Log.Debugf("Could not resolve (%s) to a disk: %v", source, err)
			continue
		}
		if seen[diskPath] {
			continue
		}
		seen[diskPath] = true
		disks = append(disks, NewDisk(diskPath, gpt))
	}

	return disks, nil
}

// parentDisk maps a partition device to its whole-disk device through
// sysfs, e.g. /dev/mmcblk0p2 to /dev/mmcblk0.
func parentDisk(devicePath string) (string, error) {
	name := filepath.Base(devicePath)
	if !strings.HasPrefix(devicePath, "/dev/") {
		return "", fmt.Errorf("(%s) is not a device path", devicePath)
	}

	sysPath, err := filepath.EvalSymlinks(filepath.Join("/sys/class/block", name))
	if err != nil {
		return "", fmt.Errorf("failed to resolve sysfs entry for (%s):\n%w", devicePath, err)
	}

	// Partitions live under their parent disk's sysfs directory;
	// whole disks live directly under .../block/.
	parent := filepath.Base(filepath.Dir(sysPath))
	if parent == "block" {
		return devicePath, nil
	}
	return "/dev/" + parent, nil
}

// CurrentSlotGUID extracts the booted kernel partition's unique GUID
// from the kernel command line, where depthcharge substitutes it for
// the %U in a kern_guid=%U parameter. Returns "" when the system was
// not booted that way.
func CurrentSlotGUID() (string, error) {
	data, err := file.Read(kernelCmdlinePath)
	if err != nil {
		return "", err
	}

	for _, param := range strings.Fields(string(data)) {
		value, found := strings.CutPrefix(param, "kern_guid=")
		if !found {
			continue
		}

		guid, err := uuid.Parse(value)
		if err != nil {
			return "", fmt.Errorf("failed to parse kern_guid value (%s):\n%w", value, err)
		}
		return guid.String(), nil
	}

	return "", nil
}

// CurrentSlot finds the booted slot among the given disks, or nil when
// it cannot be identified.
func CurrentSlot(disks []*Disk) (*KernelPartition, error) {
	guid, err := CurrentSlotGUID()
	if err != nil || guid == "" {
		return nil, err
	}

	for _, disk := range disks {
		part, err := disk.PartitionByGUID(guid)
		if err != nil {
			return nil, err
		}
		if part != nil {
			return part, nil
		}
	}

	return nil, nil
}
