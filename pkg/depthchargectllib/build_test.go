// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpernebbi/depthcharge-tools/internal/fit"
	"github.com/alpernebbi/depthcharge-tools/internal/inputs"
	"github.com/alpernebbi/depthcharge-tools/internal/logger"
	"github.com/alpernebbi/depthcharge-tools/internal/vboot"
	"github.com/alpernebbi/depthcharge-tools/pkg/mkdepthchargelib"
)

// stubPacker packs by concatenation; enough for size accounting.
type stubPacker struct{}

func (stubPacker) Pack(req fit.PackRequest) error {
	out := []byte(nil)
	for _, path := range append([]string{req.KernelPath}, req.DeviceTreePaths...) {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, data...)
	}
	if req.RamdiskPath != "" {
		data, err := os.ReadFile(req.RamdiskPath)
		if err != nil {
			return err
		}
		out = append(out, data...)
	}
	return os.WriteFile(req.OutputPath, out, 0o644)
}

func (stubPacker) ImageNodes(imagePath string, imageType string) ([]string, error) {
	return nil, nil
}

func (stubPacker) SetNodeString(imagePath string, node string, property string, value string) error {
	return nil
}

func (stubPacker) SetNodeCell(imagePath string, node string, property string, value uint32) error {
	return nil
}

func (stubPacker) SetInitrdRange(dtbPath string, start uint64, end uint64) error {
	return nil
}

// stubSigner prepends a 64 KiB header so image sizes track their
// payload sizes.
type stubSigner struct{}

func (stubSigner) Pack(req vboot.PackRequest) error {
	vmlinuz, err := os.ReadFile(req.VmlinuzPath)
	if err != nil {
		return err
	}

	header := make([]byte, 0x10000)
	copy(header, "CHROMEOS")
	binary.LittleEndian.PutUint64(header[0x10:], 0x4b8)
	return os.WriteFile(req.OutputPath, append(header, vmlinuz...), 0o644)
}

func (stubSigner) Repack(outputPath string, oldBlobPath string, keyblockPath string, signPrivatePath string) error {
	data, err := os.ReadFile(oldBlobPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, data, 0o644)
}

func (stubSigner) Verify(imagePath string, signPubkeyPath string) error {
	return nil
}

func (stubSigner) ExtractVmlinuz(imagePath string, outputPath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}
	if len(data) > 0x10000 {
		data = data[0x10000:]
	}
	return os.WriteFile(outputPath, data, 0o644)
}

func withStubTools(t *testing.T) {
	t.Helper()
	original := newBuilder
	newBuilder = func(tempDir string) *mkdepthchargelib.Builder {
		return &mkdepthchargelib.Builder{
			Packer:  stubPacker{},
			Signer:  stubSigner{},
			TempDir: tempDir,
		}
	}
	t.Cleanup(func() { newBuilder = original })
}

func fitBoard(maxSize int64) *BoardProfile {
	return &BoardProfile{
		Codename:          "kevin",
		Arch:              "arm64",
		ImageFormat:       mkdepthchargelib.FormatFit,
		ImageMaxSize:      maxSize,
		KernelLoadAddress: 0x2000000,
		BootsLz4Kernel:    true,
	}
}

func writeTestKernel(t *testing.T, dir string, size int, compressible bool) string {
	t.Helper()

	data := make([]byte, size)
	copy(data, []byte{0x7F, 'E', 'L', 'F'})
	if !compressible {
		rng := rand.New(rand.NewSource(42))
		rng.Read(data[4:])
	}

	path := filepath.Join(dir, "vmlinux")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestBuildImageCompressionRetry(t *testing.T) {
	withStubTools(t)
	dir := t.TempDir()

	// 200 KiB of zeros: too big uncompressed once the 64 KiB header
	// is added, tiny once lz4-compressed.
	kernel := writeTestKernel(t, dir, 200<<10, true)
	output := filepath.Join(dir, "image.img")

	artifact, err := BuildImage(BuildOptions{
		Board:           fitBoard(192 << 10),
		KernelPath:      kernel,
		KeyblockPath:    "kernel.keyblock",
		SignPrivatePath: "kernel_data_key.vbprivk",
		OutputPath:      output,
	})
	require.NoError(t, err)

	assert.Equal(t, output, artifact.Path)
	assert.LessOrEqual(t, artifact.Size, int64(192<<10))

	info, err := os.Stat(output)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), artifact.Size)
}

func TestBuildImageSizeExceeded(t *testing.T) {
	withStubTools(t)
	dir := t.TempDir()

	// Incompressible kernel: every compression kind stays over the
	// ceiling.
	kernel := writeTestKernel(t, dir, 200<<10, false)
	output := filepath.Join(dir, "image.img")

	_, err := BuildImage(BuildOptions{
		Board:           fitBoard(128 << 10),
		KernelPath:      kernel,
		KeyblockPath:    "kernel.keyblock",
		SignPrivatePath: "kernel_data_key.vbprivk",
		OutputPath:      output,
	})
	assert.ErrorIs(t, err, SizeExceededError)

	// No partial artifact is installed.
	_, statErr := os.Stat(output)
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuildImageInitramfsTooLarge(t *testing.T) {
	withStubTools(t)
	dir := t.TempDir()

	kernel := writeTestKernel(t, dir, 16<<10, true)

	ramdisk := make([]byte, 300<<10)
	copy(ramdisk, "070701")
	ramdiskPath := filepath.Join(dir, "initramfs")
	require.NoError(t, os.WriteFile(ramdiskPath, ramdisk, 0o644))

	_, err := BuildImage(BuildOptions{
		Board:           fitBoard(256 << 10),
		KernelPath:      kernel,
		InitramfsPaths:  []string{ramdiskPath},
		KeyblockPath:    "kernel.keyblock",
		SignPrivatePath: "kernel_data_key.vbprivk",
		OutputPath:      filepath.Join(dir, "image.img"),
	})

	// Not retryable by compression; distinguished from SizeExceeded.
	assert.ErrorIs(t, err, InitramfsTooLargeError)
	assert.NotErrorIs(t, err, SizeExceededError)
}

func TestBuildImageRequiresBoard(t *testing.T) {
	_, err := BuildImage(BuildOptions{})
	assert.ErrorIs(t, err, BoardConfigError)
}

func TestFilterDeviceTrees(t *testing.T) {
	original := dtbCompatible
	dtbCompatible = func(path string) ([]string, error) {
		if strings.Contains(path, "kevin") {
			return []string{"google,kevin-rev5", "google,kevin", "rockchip,rk3399"}, nil
		}
		return []string{"google,bob", "rockchip,rk3399"}, nil
	}
	t.Cleanup(func() { dtbCompatible = original })

	dtbs := []*inputs.Input{
		{Path: "rk3399-gru-kevin.dtb"},
		{Path: "rk3399-gru-bob.dtb"},
	}

	matched, err := filterDeviceTrees(dtbs, "google,kevin")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "rk3399-gru-kevin.dtb", matched[0].Path)

	// No device tree for the board at all is a config error, not a
	// silent build of an unbootable image.
	_, err = filterDeviceTrees(dtbs, "google,gru")
	assert.ErrorIs(t, err, BoardConfigError)
}

func TestBuildImageWarnsWithoutRoot(t *testing.T) {
	withStubTools(t)
	dir := t.TempDir()

	hook := logger.NewMemoryLogHook()
	oldHooks := logger.Log.Hooks
	logger.Log.Hooks = make(logrus.LevelHooks)
	logger.Log.AddHook(hook)
	t.Cleanup(func() { logger.Log.Hooks = oldHooks })

	kernel := writeTestKernel(t, dir, 16<<10, true)
	_, err := BuildImage(BuildOptions{
		Board:           fitBoard(256 << 10),
		KernelPath:      kernel,
		Cmdline:         "console=tty1 quiet",
		KeyblockPath:    "kernel.keyblock",
		SignPrivatePath: "kernel_data_key.vbprivk",
		OutputPath:      filepath.Join(dir, "image.img"),
	})
	require.NoError(t, err)

	warned := false
	for _, message := range hook.ConsumeMessages() {
		if message.Level == logrus.WarnLevel && strings.Contains(message.Message, "root=") {
			warned = true
		}
	}
	assert.True(t, warned, "expected a warning about the missing root= parameter")
}

func TestBuildImageIgnoreInitramfs(t *testing.T) {
	withStubTools(t)
	dir := t.TempDir()

	kernel := writeTestKernel(t, dir, 16<<10, true)

	// Would be too large if packed, but it is ignored.
	ramdisk := make([]byte, 300<<10)
	copy(ramdisk, "070701")
	ramdiskPath := filepath.Join(dir, "initramfs")
	require.NoError(t, os.WriteFile(ramdiskPath, ramdisk, 0o644))

	artifact, err := BuildImage(BuildOptions{
		Board:           fitBoard(256 << 10),
		KernelPath:      kernel,
		InitramfsPaths:  []string{ramdiskPath},
		IgnoreInitramfs: true,
		KeyblockPath:    "kernel.keyblock",
		SignPrivatePath: "kernel_data_key.vbprivk",
		OutputPath:      filepath.Join(dir, "image.img"),
	})
	require.NoError(t, err)
	assert.Less(t, artifact.Size, int64(256<<10))
}
