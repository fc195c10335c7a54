// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package fit packs kernel, ramdisk and device-tree files into FIT
// (flattened image tree) containers and patches them afterwards. A FIT
// file is itself a flattened device tree, so patching goes through the
// same fdtget/fdtput tools used for device-tree blobs.
package fit

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alpernebbi/depthcharge-tools/internal/codec"
	"github.com/alpernebbi/depthcharge-tools/internal/fdt"
	"github.com/alpernebbi/depthcharge-tools/internal/shell"
)

const mkimageTool = "mkimage"

// ErrPayloadNotFound is returned when a packed image does not contain
// the byte sequence being located.
var ErrPayloadNotFound = errors.New("payload bytes not found in packed image")

// PackRequest describes one FIT container to build.
type PackRequest struct {
	KernelPath      string
	RamdiskPath     string
	DeviceTreePaths []string
	Compression     codec.Kind
	Name            string
	Arch            string
	// Timestamp fixes the container's build time for reproducible
	// output. The zero value lets the packer use the current time.
	Timestamp  time.Time
	OutputPath string
}

// Packer builds and edits FIT containers and the device-tree blobs
// packed into them. The production implementation shells out to
// mkimage and the dtc tools; tests substitute a fake.
type Packer interface {
	Pack(req PackRequest) error
	ImageNodes(imagePath string, imageType string) ([]string, error)
	SetNodeString(imagePath string, node string, property string, value string) error
	SetNodeCell(imagePath string, node string, property string, value uint32) error
	SetInitrdRange(dtbPath string, start uint64, end uint64) error
}

// MkimagePacker implements Packer with u-boot's mkimage tool.
type MkimagePacker struct{}

func (MkimagePacker) Pack(req PackRequest) error {
	args := []string{
		"-f", "auto",
		"-A", req.Arch,
		"-O", "linux",
		"-C", string(req.Compression),
		"-n", req.Name,
		"-d", req.KernelPath,
	}

	if req.RamdiskPath != "" {
		args = append(args, "-i", req.RamdiskPath)
	}
	for _, dtb := range req.DeviceTreePaths {
		args = append(args, "-b", dtb)
	}
	args = append(args, req.OutputPath)

	builder := shell.NewExecBuilder(mkimageTool, args...)
	if !req.Timestamp.IsZero() {
		builder = builder.EnvironmentVariables(map[string]string{
			"SOURCE_DATE_EPOCH": strconv.FormatInt(req.Timestamp.Unix(), 10),
		})
	}

	_, stderr, err := builder.ExecuteCaptureOutput()
	if err != nil {
		return fmt.Errorf("failed to pack FIT image (%s):\n%v\n%w", req.OutputPath, stderr, err)
	}

	return nil
}

// ImageNodes lists the sub-image node paths under /images whose "type"
// property matches imageType.
func (MkimagePacker) ImageNodes(imagePath string, imageType string) ([]string, error) {
	names, err := fdt.ListNodes(imagePath, "/images")
	if err != nil {
		return nil, err
	}

	nodes := []string(nil)
	for _, name := range names {
		node := "/images/" + name
		nodeType, err := fdt.GetProperty(imagePath, node, "type")
		if err != nil {
			return nil, err
		}
		if nodeType == imageType {
			nodes = append(nodes, node)
		}
	}

	return nodes, nil
}

func (MkimagePacker) SetNodeString(imagePath string, node string, property string, value string) error {
	return fdt.SetString(imagePath, node, property, value)
}

func (MkimagePacker) SetNodeCell(imagePath string, node string, property string, value uint32) error {
	return fdt.SetCell(imagePath, node, property, value)
}

func (MkimagePacker) SetInitrdRange(dtbPath string, start uint64, end uint64) error {
	return fdt.SetInitrdRange(dtbPath, start, end)
}

// MarkKernelsNoload retags every kernel sub-image as "kernel_noload".
// mkimage tags them plain "kernel", which makes depthcharge try to
// honor the node's load and entry addresses; the noload type makes it
// leave the kernel where the FIT was loaded.
func MarkKernelsNoload(packer Packer, imagePath string) error {
	nodes, err := packer.ImageNodes(imagePath, "kernel")
	if err != nil {
		return err
	}

	for _, node := range nodes {
		if err := packer.SetNodeString(imagePath, node, "type", "kernel_noload"); err != nil {
			return err
		}
	}

	return nil
}

// SetRamdiskLoadAddress patches an explicit load address into every
// ramdisk sub-image node, for boards whose firmware places the ramdisk
// from the node instead of reading device-tree chosen properties.
func SetRamdiskLoadAddress(packer Packer, imagePath string, address uint32) error {
	nodes, err := packer.ImageNodes(imagePath, "ramdisk")
	if err != nil {
		return err
	}

	for _, node := range nodes {
		if err := packer.SetNodeCell(imagePath, node, "load", address); err != nil {
			return err
		}
	}

	return nil
}

// PayloadOffset locates payload's byte offset inside a packed image.
// Used to find where packing placed the ramdisk, and again afterwards
// to check the placement did not drift.
func PayloadOffset(image []byte, payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, ErrPayloadNotFound
	}

	offset := bytes.Index(image, payload)
	if offset < 0 {
		return 0, ErrPayloadNotFound
	}

	return offset, nil
}
