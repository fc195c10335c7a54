// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package inputs sorts boot image input files into their roles by
// sniffing file contents.
package inputs

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	cpio "github.com/cavaliercoder/go-cpio"

	"github.com/alpernebbi/depthcharge-tools/internal/codec"
	"github.com/alpernebbi/depthcharge-tools/internal/file"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
)

// Role is what an input file will be used as in the packed image.
type Role int

const (
	RoleUnknown Role = iota
	RoleKernel
	RoleRamdisk
	RoleDeviceTree
)

var (
	ErrNoKernel        = errors.New("no kernel found among input files")
	ErrMultipleKernels = errors.New("multiple input files look like kernels")
)

// Input is one classified input file. Data holds the file's original
// bytes; ramdisks in particular are kept in their compressed form.
type Input struct {
	Path        string
	Data        []byte
	Role        Role
	Compression codec.Kind
}

// Inputs is the full classified input set for one build.
type Inputs struct {
	Kernel      *Input
	Ramdisks    []*Input
	DeviceTrees []*Input
}

var (
	elfMagic = []byte{0x7F, 'E', 'L', 'F'}
	peMagic  = []byte{'M', 'Z'}
	dtbMagic = []byte{0xD0, 0x0D, 0xFE, 0xED}

	// ASCII cpio magics: newc, crc and odc formats.
	cpioMagics = [][]byte{
		[]byte("070701"),
		[]byte("070702"),
		[]byte("070707"),
	}
)

// Classify reads and sorts the given files into kernel, ramdisk and
// device-tree roles. Compressed files are decompressed transiently for
// sniffing only.
func Classify(paths []string) (*Inputs, error) {
	inputs := &Inputs{}
	unknown := []*Input(nil)

	for _, path := range paths {
		data, err := file.Read(path)
		if err != nil {
			return nil, err
		}

		input := &Input{
			Path:        path,
			Data:        data,
			Compression: codec.Detect(data),
		}

		sniffData := data
		if input.Compression != codec.None {
			decompressed, err := transientDecompress(data, input.Compression)
			if err != nil {
				logger.Log.Debugf("Could not decompress (%s) as %s for sniffing: %v",
					path, input.Compression, err)
			} else {
				sniffData = decompressed
			}
		}

		input.Role = sniffRole(sniffData)
		logger.Log.Debugf("Input (%s) sniffed as role %v, compression %s.",
			path, input.Role, input.Compression)

		switch input.Role {
		case RoleKernel:
			if inputs.Kernel != nil {
				return nil, fmt.Errorf("%w: (%s) and (%s)",
					ErrMultipleKernels, inputs.Kernel.Path, path)
			}
			inputs.Kernel = input
		case RoleRamdisk:
			if count, err := cpioEntryCount(sniffData); err == nil {
				logger.Log.Debugf("Ramdisk (%s) holds %d cpio entries.", path, count)
			}
			inputs.Ramdisks = append(inputs.Ramdisks, input)
		case RoleDeviceTree:
			inputs.DeviceTrees = append(inputs.DeviceTrees, input)
		default:
			unknown = append(unknown, input)
		}
	}

	// Unrecognized files fill the empty roles in positional order.
	for _, input := range unknown {
		switch {
		case inputs.Kernel == nil:
			logger.Log.Infof("Assuming unrecognized input (%s) is the kernel.", input.Path)
			input.Role = RoleKernel
			inputs.Kernel = input
		case len(inputs.Ramdisks) == 0:
			logger.Log.Infof("Assuming unrecognized input (%s) is a ramdisk.", input.Path)
			input.Role = RoleRamdisk
			inputs.Ramdisks = append(inputs.Ramdisks, input)
		default:
			logger.Log.Infof("Assuming unrecognized input (%s) is a device tree.", input.Path)
			input.Role = RoleDeviceTree
			inputs.DeviceTrees = append(inputs.DeviceTrees, input)
		}
	}

	if inputs.Kernel == nil {
		return nil, ErrNoKernel
	}

	// Device trees are sorted by name so rebuilds are deterministic.
	sort.Slice(inputs.DeviceTrees, func(i, j int) bool {
		iName := filepath.Base(inputs.DeviceTrees[i].Path)
		jName := filepath.Base(inputs.DeviceTrees[j].Path)
		if iName != jName {
			return iName < jName
		}
		return inputs.DeviceTrees[i].Path < inputs.DeviceTrees[j].Path
	})

	return inputs, nil
}

// ConcatenatedRamdisk returns all ramdisk inputs joined in input order
// as one logical ramdisk. The kernel unpacks concatenated cpio archives
// (compressed or not) as a single initramfs.
func (in *Inputs) ConcatenatedRamdisk() []byte {
	if len(in.Ramdisks) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, ramdisk := range in.Ramdisks {
		buf.Write(ramdisk.Data)
	}
	return buf.Bytes()
}

func sniffRole(data []byte) Role {
	switch {
	case bytes.HasPrefix(data, elfMagic), bytes.HasPrefix(data, peMagic), isBzImage(data):
		return RoleKernel
	case isCpio(data):
		return RoleRamdisk
	case bytes.HasPrefix(data, dtbMagic):
		return RoleDeviceTree
	}
	return RoleUnknown
}

func isCpio(data []byte) bool {
	for _, magic := range cpioMagics {
		if bytes.HasPrefix(data, magic) {
			return true
		}
	}
	return false
}

// isBzImage checks the x86 boot protocol signature: 0xAA55 at the end
// of the boot sector and "HdrS" at offset 0x202.
func isBzImage(data []byte) bool {
	if len(data) < 0x206 {
		return false
	}
	return data[0x1FE] == 0x55 && data[0x1FF] == 0xAA &&
		bytes.Equal(data[0x202:0x206], []byte("HdrS"))
}

func cpioEntryCount(data []byte) (int, error) {
	reader := cpio.NewReader(bytes.NewReader(data))

	count := 0
	for {
		_, err := reader.Next()
		if err != nil {
			// EOF means a well-formed trailer was seen.
			if count > 0 {
				return count, nil
			}
			return 0, err
		}
		count++
	}
}

func transientDecompress(data []byte, kind codec.Kind) ([]byte, error) {
	c, err := codec.Lookup(kind)
	if err != nil {
		return nil, err
	}

	out, err := c.Decompress(data)
	if err != nil && len(out) == 0 {
		return nil, err
	}
	return out, nil
}
