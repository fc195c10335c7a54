// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package fdt reads and edits flattened device tree blobs through the
// dtc project's fdtget and fdtput tools.
package fdt

import (
	"fmt"
	"strings"

	"github.com/alpernebbi/depthcharge-tools/internal/shell"
)

const (
	fdtgetTool = "fdtget"
	fdtputTool = "fdtput"
)

// Compatible returns the root node's "compatible" strings.
func Compatible(dtbPath string) ([]string, error) {
	stdout, stderr, err := shell.Execute(fdtgetTool, "--type", "s", dtbPath, "/", "compatible")
	if err != nil {
		return nil, fmt.Errorf("failed to read compatible strings from (%s):\n%v\n%w", dtbPath, stderr, err)
	}

	return strings.Fields(stdout), nil
}

// GetProperty reads a node property as fdtget's string rendering.
func GetProperty(dtbPath string, node string, property string) (string, error) {
	stdout, stderr, err := shell.Execute(fdtgetTool, dtbPath, node, property)
	if err != nil {
		return "", fmt.Errorf("failed to read (%s:%s) from (%s):\n%v\n%w", node, property, dtbPath, stderr, err)
	}

	return strings.TrimSpace(stdout), nil
}

// ListNodes returns the names of a node's direct children.
func ListNodes(dtbPath string, node string) ([]string, error) {
	stdout, stderr, err := shell.Execute(fdtgetTool, "--list", dtbPath, node)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of (%s) in (%s):\n%v\n%w", node, dtbPath, stderr, err)
	}

	return strings.Fields(stdout), nil
}

// SetString writes a string property, creating the node if needed.
func SetString(dtbPath string, node string, property string, value string) error {
	_, stderr, err := shell.Execute(fdtputTool, "--type", "s", "--create",
		dtbPath, node, property, value)
	if err != nil {
		return fmt.Errorf("failed to set (%s:%s) in (%s):\n%v\n%w", node, property, dtbPath, stderr, err)
	}

	return nil
}

// SetCell writes a 32-bit cell property, creating the node if needed.
func SetCell(dtbPath string, node string, property string, value uint32) error {
	_, stderr, err := shell.Execute(fdtputTool, "--type", "u", "--create",
		dtbPath, node, property, fmt.Sprintf("%d", value))
	if err != nil {
		return fmt.Errorf("failed to set (%s:%s) in (%s):\n%v\n%w", node, property, dtbPath, stderr, err)
	}

	return nil
}

// SetInitrdRange records the loaded ramdisk's memory range in the
// /chosen node, where kernels expect to find it.
func SetInitrdRange(dtbPath string, start uint64, end uint64) error {
	if err := SetCell(dtbPath, "/chosen", "linux,initrd-start", uint32(start)); err != nil {
		return err
	}
	return SetCell(dtbPath, "/chosen", "linux,initrd-end", uint32(end))
}
