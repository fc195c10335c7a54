// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/partition"
)

// Commit makes a slot the next boot candidate. The slot gets one boot
// try and its priority is raised above every sibling. With oneshot the
// successful flag is cleared so the slot must prove itself on its next
// boot; otherwise it is trusted permanently.
//
// The attribute write and the priority rotation are separate GPT
// edits; when the rotation fails the attribute write stays in effect,
// and the caller decides whether that partial state is acceptable.
func Commit(part *partition.KernelPartition, oneshot bool) error {
	attr, err := part.Attribute()
	if err != nil {
		return err
	}

	attr, err = attr.WithTries(1)
	if err != nil {
		return err
	}
	attr = attr.WithSuccessful(!oneshot)

	if err := part.SetAttribute(attr); err != nil {
		return err
	}

	if err := part.Prioritize(); err != nil {
		return err
	}

	logger.Log.Infof("Set partition (%s) as the next boot candidate.", part)
	return nil
}

// MarkGood confirms a successful boot of a slot, normally the one the
// system is currently running from.
func MarkGood(part *partition.KernelPartition) error {
	return Commit(part, false)
}

// Disable zeroes a slot's attribute word, making the firmware skip it
// permanently.
func Disable(part *partition.KernelPartition) error {
	if err := part.SetAttribute(0); err != nil {
		return err
	}

	logger.Log.Infof("Disabled partition (%s).", part)
	return nil
}
