// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package file provides small file manipulation helpers.
package file

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Read reads an entire file into memory.
func Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file (%s):\n%w", path, err)
	}
	return data, nil
}

// Write writes data to a file, creating it if needed.
func Write(data []byte, path string) error {
	err := os.WriteFile(path, data, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write file (%s):\n%w", path, err)
	}
	return nil
}

// PathExists reports whether the path exists.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Copy copies a file, creating the destination's parent directories.
func Copy(src string, dst string) error {
	err := os.MkdirAll(filepath.Dir(dst), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create directory (%s):\n%w", filepath.Dir(dst), err)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open file (%s):\n%w", src, err)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create file (%s):\n%w", dst, err)
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	if err != nil {
		return fmt.Errorf("failed to copy (%s) to (%s):\n%w", src, dst, err)
	}

	return dstFile.Sync()
}

// Move moves a file into place, falling back to copy+delete when the
// rename crosses filesystems.
func Move(src string, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	err = Copy(src, dst)
	if err != nil {
		return fmt.Errorf("failed to move file (%s) to (%s):\n%w", src, dst, err)
	}
	return os.Remove(src)
}

// ReadFirstBytes reads up to n bytes from the start of a file.
func ReadFirstBytes(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file (%s):\n%w", path, err)
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return buf[:read], nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file (%s):\n%w", path, err)
	}
	return buf, nil
}
