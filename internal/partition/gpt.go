// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package partition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/shell"
)

const cgptTool = "cgpt"

// GptEditor is the GPT inspection and editing capability the slot
// state machine runs on. The production implementation shells out to
// cgpt; tests substitute a fake.
type GptEditor interface {
	// KernelPartitionNumbers lists the partition numbers of the
	// ChromeOS kernel type on a disk, empty when there are none.
	KernelPartitionNumbers(diskPath string) ([]int, error)
	GetAttribute(diskPath string, number int) (Attribute, error)
	SetAttribute(diskPath string, number int, attr Attribute) error
	// Prioritize raises one partition's priority above every other
	// kernel partition on the disk, renumbering siblings as needed.
	Prioritize(diskPath string, number int) error
	// FindByUniqueGUID returns the number of the partition with the
	// given unique GUID, or 0 when the disk has no such partition.
	FindByUniqueGUID(diskPath string, guid string) (int, error)
	PartitionStart(diskPath string, number int) (int64, error)
	PartitionSize(diskPath string, number int) (int64, error)
}

// CgptEditor implements GptEditor with the cgpt tool.
type CgptEditor struct{}

const sectorSize = 512

func (CgptEditor) KernelPartitionNumbers(diskPath string) ([]int, error) {
	stdout, stderr, err := shell.Execute(cgptTool, "find", "-n", "-t", "kernel", diskPath)
	if err != nil {
		// cgpt find exits nonzero when nothing matches; that is a
		// valid empty result, not a failure.
		logger.Log.Debugf("No kernel partitions found on (%s):\n%v", diskPath, stderr)
		return nil, nil
	}

	numbers := []int(nil)
	for _, field := range strings.Fields(stdout) {
		number, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("failed to parse partition number (%s) from cgpt output:\n%w", field, err)
		}
		numbers = append(numbers, number)
	}

	return numbers, nil
}

func (CgptEditor) GetAttribute(diskPath string, number int) (Attribute, error) {
	stdout, stderr, err := shell.Execute(cgptTool, "show", "-A", "-i", strconv.Itoa(number), diskPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read attributes of partition %d on (%s):\n%v\n%w",
			number, diskPath, stderr, err)
	}

	raw, err := strconv.ParseUint(strings.TrimSpace(stdout), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("failed to parse attribute word (%s) from cgpt output:\n%w",
			strings.TrimSpace(stdout), err)
	}

	return Attribute(raw), nil
}

func (CgptEditor) SetAttribute(diskPath string, number int, attr Attribute) error {
	_, stderr, err := shell.Execute(cgptTool, "add",
		"-i", strconv.Itoa(number),
		"-A", fmt.Sprintf("%#x", uint16(attr)),
		diskPath)
	if err != nil {
		return fmt.Errorf("failed to set attributes of partition %d on (%s):\n%v\n%w",
			number, diskPath, stderr, err)
	}

	return nil
}

func (CgptEditor) Prioritize(diskPath string, number int) error {
	_, stderr, err := shell.Execute(cgptTool, "prioritize", "-i", strconv.Itoa(number), diskPath)
	if err != nil {
		return fmt.Errorf("failed to prioritize partition %d on (%s):\n%v\n%w",
			number, diskPath, stderr, err)
	}

	return nil
}

func (CgptEditor) FindByUniqueGUID(diskPath string, guid string) (int, error) {
	stdout, stderr, err := shell.Execute(cgptTool, "find", "-n", "-1", "-u", guid, diskPath)
	if err != nil {
		logger.Log.Debugf("No partition with GUID (%s) on (%s):\n%v", guid, diskPath, stderr)
		return 0, nil
	}

	number, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return 0, fmt.Errorf("failed to parse partition number (%s) from cgpt output:\n%w",
			strings.TrimSpace(stdout), err)
	}

	return number, nil
}

func (e CgptEditor) PartitionStart(diskPath string, number int) (int64, error) {
	sectors, err := e.showInt(diskPath, number, "-b")
	if err != nil {
		return 0, fmt.Errorf("failed to read start of partition %d on (%s):\n%w", number, diskPath, err)
	}
	return sectors * sectorSize, nil
}

func (e CgptEditor) PartitionSize(diskPath string, number int) (int64, error) {
	sectors, err := e.showInt(diskPath, number, "-s")
	if err != nil {
		return 0, fmt.Errorf("failed to read size of partition %d on (%s):\n%w", number, diskPath, err)
	}
	return sectors * sectorSize, nil
}

func (CgptEditor) showInt(diskPath string, number int, flag string) (int64, error) {
	stdout, stderr, err := shell.Execute(cgptTool, "show", flag, "-i", strconv.Itoa(number), diskPath)
	if err != nil {
		return 0, fmt.Errorf("cgpt show failed:\n%v\n%w", stderr, err)
	}

	value, err := strconv.ParseInt(strings.TrimSpace(stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse cgpt output (%s):\n%w", strings.TrimSpace(stdout), err)
	}

	return value, nil
}
