// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"fmt"

	"github.com/alpernebbi/depthcharge-tools/internal/partition"
)

type fakeSlot struct {
	attr  partition.Attribute
	size  int64
	start int64
	guid  string
}

// fakeGpt is an in-memory GptEditor backing the slot-machine tests.
type fakeGpt struct {
	disks       map[string]map[int]*fakeSlot
	prioritized []string
}

func newFakeGpt() *fakeGpt {
	return &fakeGpt{disks: map[string]map[int]*fakeSlot{}}
}

func (g *fakeGpt) addSlot(disk string, number int, slot *fakeSlot) {
	if g.disks[disk] == nil {
		g.disks[disk] = map[int]*fakeSlot{}
	}
	g.disks[disk][number] = slot
}

func (g *fakeGpt) slot(disk string, number int) (*fakeSlot, error) {
	slot, ok := g.disks[disk][number]
	if !ok {
		return nil, fmt.Errorf("no partition %d on (%s)", number, disk)
	}
	return slot, nil
}

func (g *fakeGpt) KernelPartitionNumbers(diskPath string) ([]int, error) {
	numbers := []int(nil)
	for number := 1; number <= 128; number++ {
		if _, ok := g.disks[diskPath][number]; ok {
			numbers = append(numbers, number)
		}
	}
	return numbers, nil
}

func (g *fakeGpt) GetAttribute(diskPath string, number int) (partition.Attribute, error) {
	slot, err := g.slot(diskPath, number)
	if err != nil {
		return 0, err
	}
	return slot.attr, nil
}

func (g *fakeGpt) SetAttribute(diskPath string, number int, attr partition.Attribute) error {
	slot, err := g.slot(diskPath, number)
	if err != nil {
		return err
	}
	slot.attr = attr
	return nil
}

func (g *fakeGpt) Prioritize(diskPath string, number int) error {
	slot, err := g.slot(diskPath, number)
	if err != nil {
		return err
	}

	highest := uint8(0)
	for _, sibling := range g.disks[diskPath] {
		if sibling.attr.Priority() > highest {
			highest = sibling.attr.Priority()
		}
	}

	attr, err := slot.attr.WithPriority(min(highest+1, 15))
	if err != nil {
		return err
	}
	slot.attr = attr

	g.prioritized = append(g.prioritized, fmt.Sprintf("%s#%d", diskPath, number))
	return nil
}

func (g *fakeGpt) FindByUniqueGUID(diskPath string, guid string) (int, error) {
	for number, slot := range g.disks[diskPath] {
		if slot.guid == guid {
			return number, nil
		}
	}
	return 0, nil
}

func (g *fakeGpt) PartitionStart(diskPath string, number int) (int64, error) {
	slot, err := g.slot(diskPath, number)
	if err != nil {
		return 0, err
	}
	return slot.start, nil
}

func (g *fakeGpt) PartitionSize(diskPath string, number int) (int64, error) {
	slot, err := g.slot(diskPath, number)
	if err != nil {
		return 0, err
	}
	return slot.size, nil
}
