// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package partition

import (
	"fmt"
)

// Attribute is the 16-bit ChromeOS kernel partition attribute word.
// The firmware reads three fields out of its low 9 bits:
//
//	bit  8    successful - the slot has booted to a working system
//	bits 4-7  tries      - boot attempts left before the slot is dead
//	bits 0-3  priority   - slots are tried in decreasing priority
type Attribute uint16

const (
	attributeFieldMax = 15

	successfulBit = 8
	triesShift    = 4
	fieldMask     = 0xF
)

// NewAttribute builds an attribute word, range-checking each field.
func NewAttribute(successful bool, priority uint8, tries uint8) (Attribute, error) {
	if priority > attributeFieldMax {
		return 0, fmt.Errorf("priority (%d) out of range [0, %d]", priority, attributeFieldMax)
	}
	if tries > attributeFieldMax {
		return 0, fmt.Errorf("tries (%d) out of range [0, %d]", tries, attributeFieldMax)
	}

	attr := Attribute(priority) | Attribute(tries)<<triesShift
	if successful {
		attr |= 1 << successfulBit
	}
	return attr, nil
}

func (a Attribute) Successful() bool {
	return a>>successfulBit&1 == 1
}

func (a Attribute) Priority() uint8 {
	return uint8(a & fieldMask)
}

func (a Attribute) Tries() uint8 {
	return uint8(a >> triesShift & fieldMask)
}

// WithSuccessful returns a copy of the word with the successful flag
// replaced.
func (a Attribute) WithSuccessful(successful bool) Attribute {
	a &^= 1 << successfulBit
	if successful {
		a |= 1 << successfulBit
	}
	return a
}

// WithPriority returns a copy of the word with the priority field
// replaced. Values above the field width are an error.
func (a Attribute) WithPriority(priority uint8) (Attribute, error) {
	if priority > attributeFieldMax {
		return 0, fmt.Errorf("priority (%d) out of range [0, %d]", priority, attributeFieldMax)
	}
	return a&^fieldMask | Attribute(priority), nil
}

// WithTries returns a copy of the word with the tries field replaced.
func (a Attribute) WithTries(tries uint8) (Attribute, error) {
	if tries > attributeFieldMax {
		return 0, fmt.Errorf("tries (%d) out of range [0, %d]", tries, attributeFieldMax)
	}
	return a&^(fieldMask<<triesShift) | Attribute(tries)<<triesShift, nil
}

func (a Attribute) String() string {
	return fmt.Sprintf("successful=%d priority=%d tries=%d",
		map[bool]int{false: 0, true: 1}[a.Successful()], a.Priority(), a.Tries())
}
