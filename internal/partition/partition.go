// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package partition models disks carrying ChromeOS-style redundant
// kernel partitions and the attribute words the firmware selects boot
// slots by.
package partition

import (
	"fmt"
	"os"
	"unicode"

	"golang.org/x/sys/unix"
)

// Disk is a GPT-carrying block device or disk image file.
type Disk struct {
	Path string
	gpt  GptEditor
}

func NewDisk(path string, gpt GptEditor) *Disk {
	return &Disk{Path: path, gpt: gpt}
}

// KernelPartitions enumerates the disk's ChromeOS kernel partitions.
func (d *Disk) KernelPartitions() ([]*KernelPartition, error) {
	numbers, err := d.gpt.KernelPartitionNumbers(d.Path)
	if err != nil {
		return nil, err
	}

	parts := []*KernelPartition(nil)
	for _, number := range numbers {
		parts = append(parts, NewKernelPartition(d, number))
	}
	return parts, nil
}

// PartitionByGUID returns the disk's kernel partition with the given
// unique GUID, or nil when the disk has no such partition.
func (d *Disk) PartitionByGUID(guid string) (*KernelPartition, error) {
	number, err := d.gpt.FindByUniqueGUID(d.Path, guid)
	if err != nil {
		return nil, err
	}
	if number == 0 {
		return nil, nil
	}
	return NewKernelPartition(d, number), nil
}

// KernelPartition is one redundant boot slot on a disk.
type KernelPartition struct {
	Disk   *Disk
	Number int
}

func NewKernelPartition(disk *Disk, number int) *KernelPartition {
	return &KernelPartition{Disk: disk, Number: number}
}

func (p *KernelPartition) String() string {
	return fmt.Sprintf("%s#%d", p.Disk.Path, p.Number)
}

// DevicePath guesses the partition's own block device node from the
// disk's. Disks whose name ends in a digit (mmcblk0, nvme0n1) insert a
// "p" before the partition number.
func (p *KernelPartition) DevicePath() string {
	disk := p.Disk.Path
	if disk == "" {
		return ""
	}

	last := rune(disk[len(disk)-1])
	if unicode.IsDigit(last) {
		return fmt.Sprintf("%sp%d", disk, p.Number)
	}
	return fmt.Sprintf("%s%d", disk, p.Number)
}

func (p *KernelPartition) Attribute() (Attribute, error) {
	return p.Disk.gpt.GetAttribute(p.Disk.Path, p.Number)
}

func (p *KernelPartition) SetAttribute(attr Attribute) error {
	return p.Disk.gpt.SetAttribute(p.Disk.Path, p.Number, attr)
}

// Prioritize raises this slot's priority above its siblings.
func (p *KernelPartition) Prioritize() error {
	return p.Disk.gpt.Prioritize(p.Disk.Path, p.Number)
}

// StartOffset is the partition's byte offset within the disk, where
// raw writes to the disk image land.
func (p *KernelPartition) StartOffset() (int64, error) {
	return p.Disk.gpt.PartitionStart(p.Disk.Path, p.Number)
}

// Size returns the partition's byte size, preferring the block
// device's own size ioctl when a device node exists.
func (p *KernelPartition) Size() (int64, error) {
	if size, err := blockDeviceSize(p.DevicePath()); err == nil {
		return size, nil
	}
	return p.Disk.gpt.PartitionSize(p.Disk.Path, p.Number)
}

func blockDeviceSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Mode()&os.ModeDevice == 0 {
		return 0, fmt.Errorf("(%s) is not a block device", path)
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open (%s):\n%w", path, err)
	}
	defer unix.Close(fd)

	size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
	if err != nil {
		return 0, fmt.Errorf("failed to query size of (%s):\n%w", path, err)
	}

	return int64(size), nil
}
