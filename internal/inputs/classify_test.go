// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package inputs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	cpio "github.com/cavaliercoder/go-cpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpernebbi/depthcharge-tools/internal/codec"
)

func writeInput(t *testing.T, dir string, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func bzImageBytes() []byte {
	data := make([]byte, 0x1000)
	data[0x1FE] = 0x55
	data[0x1FF] = 0xAA
	copy(data[0x202:], "HdrS")
	return data
}

func elfBytes() []byte {
	return append([]byte{0x7F, 'E', 'L', 'F'}, make([]byte, 64)...)
}

func dtbBytes(filler byte) []byte {
	data := append([]byte{0xD0, 0x0D, 0xFE, 0xED}, make([]byte, 60)...)
	data[8] = filler
	return data
}

func cpioBytes(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	writer := cpio.NewWriter(&buf)

	content := []byte("#!/bin/sh\n")
	require.NoError(t, writer.WriteHeader(&cpio.Header{
		Name: "init",
		Mode: 0o755,
		Size: int64(len(content)),
	}))
	_, err := writer.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return buf.Bytes()
}

func TestClassifyBySniffing(t *testing.T) {
	dir := t.TempDir()

	gz, err := codec.Lookup(codec.Gzip)
	require.NoError(t, err)
	compressedRamdisk, err := gz.Compress(cpioBytes(t))
	require.NoError(t, err)

	kernel := writeInput(t, dir, "vmlinuz", bzImageBytes())
	ramdisk := writeInput(t, dir, "initrd.img", compressedRamdisk)
	dtb := writeInput(t, dir, "board.dtb", dtbBytes(1))

	// Deliberately out of order; content decides, not position.
	classified, err := Classify([]string{dtb, ramdisk, kernel})
	require.NoError(t, err)

	require.NotNil(t, classified.Kernel)
	assert.Equal(t, kernel, classified.Kernel.Path)

	require.Len(t, classified.Ramdisks, 1)
	assert.Equal(t, ramdisk, classified.Ramdisks[0].Path)
	assert.Equal(t, codec.Gzip, classified.Ramdisks[0].Compression)
	// The ramdisk stays in its compressed form.
	assert.True(t, bytes.Equal(compressedRamdisk, classified.Ramdisks[0].Data))

	require.Len(t, classified.DeviceTrees, 1)
	assert.Equal(t, dtb, classified.DeviceTrees[0].Path)
}

func TestClassifyElfKernel(t *testing.T) {
	dir := t.TempDir()
	kernel := writeInput(t, dir, "vmlinux", elfBytes())

	classified, err := Classify([]string{kernel})
	require.NoError(t, err)
	require.NotNil(t, classified.Kernel)
	assert.Equal(t, kernel, classified.Kernel.Path)
}

func TestClassifyPositionalFallback(t *testing.T) {
	dir := t.TempDir()

	first := writeInput(t, dir, "first", []byte("unrecognizable data one"))
	second := writeInput(t, dir, "second", []byte("unrecognizable data two"))
	third := writeInput(t, dir, "third", []byte("unrecognizable data three"))

	classified, err := Classify([]string{first, second, third})
	require.NoError(t, err)

	require.NotNil(t, classified.Kernel)
	assert.Equal(t, first, classified.Kernel.Path)
	require.Len(t, classified.Ramdisks, 1)
	assert.Equal(t, second, classified.Ramdisks[0].Path)
	require.Len(t, classified.DeviceTrees, 1)
	assert.Equal(t, third, classified.DeviceTrees[0].Path)
}

func TestClassifyNoKernel(t *testing.T) {
	dir := t.TempDir()
	dtb := writeInput(t, dir, "board.dtb", dtbBytes(1))

	_, err := Classify([]string{dtb})
	assert.ErrorIs(t, err, ErrNoKernel)
}

func TestClassifyMultipleKernels(t *testing.T) {
	dir := t.TempDir()
	one := writeInput(t, dir, "vmlinuz-a", bzImageBytes())
	two := writeInput(t, dir, "vmlinuz-b", elfBytes())

	_, err := Classify([]string{one, two})
	assert.ErrorIs(t, err, ErrMultipleKernels)
}

func TestClassifySortsDeviceTrees(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	kernel := writeInput(t, dir, "vmlinuz", bzImageBytes())
	zz := writeInput(t, dir, "zz.dtb", dtbBytes(1))
	aa := writeInput(t, sub, "aa.dtb", dtbBytes(2))

	classified, err := Classify([]string{kernel, zz, aa})
	require.NoError(t, err)

	require.Len(t, classified.DeviceTrees, 2)
	assert.Equal(t, aa, classified.DeviceTrees[0].Path)
	assert.Equal(t, zz, classified.DeviceTrees[1].Path)
}

func TestConcatenatedRamdisk(t *testing.T) {
	dir := t.TempDir()

	kernel := writeInput(t, dir, "vmlinuz", bzImageBytes())
	one := writeInput(t, dir, "a.cpio", cpioBytes(t))
	two := writeInput(t, dir, "b.cpio", cpioBytes(t))

	classified, err := Classify([]string{kernel, one, two})
	require.NoError(t, err)
	require.Len(t, classified.Ramdisks, 2)

	joined := classified.ConcatenatedRamdisk()
	assert.Equal(t,
		append(bytes.Clone(classified.Ramdisks[0].Data), classified.Ramdisks[1].Data...),
		joined)

	assert.Nil(t, (&Inputs{}).ConcatenatedRamdisk())
}
