// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package depthchargectllib

import (
	"errors"
	"fmt"
)

// Global error types for categorization
var (
	BoardConfigError       = errors.New("board-config")
	SizeExceededError      = errors.New("size-exceeded")
	InitramfsTooLargeError = errors.New("initramfs-too-large")
	NoUsableSlotError      = errors.New("no-usable-slot")
	IOError                = errors.New("io")
)

// Static error messages as global variables
var (
	BoardRequiredError         = errors.New("a board must be specified, either via the command line option '--board' or in the config file property 'board'")
	BoardUnknownError          = errors.New("board not found in the board database")
	NoEligiblePartitionsError  = errors.New("no usable kernel partition found on the searched disks")
	PartitionTooSmallError     = errors.New("image does not fit in any kernel partition")
	CurrentSlotOnlyError       = errors.New("the only usable kernel partition is the currently booted one")
	ShortWriteError            = errors.New("short write to kernel partition")
	RootRequiresInitramfsError = errors.New("the root filesystem cannot be mounted without an initramfs")
)

// DepthchargectlError struct for dynamic content
type DepthchargectlError struct {
	Type    error
	Message string
	Cause   error
}

func (e *DepthchargectlError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s:\n%v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *DepthchargectlError) Unwrap() error {
	return e.Cause
}

func (e *DepthchargectlError) Is(target error) bool {
	return errors.Is(e.Type, target)
}

// Helper functions for creating DepthchargectlError instances
func NewDepthchargectlError(errorType error, message string) *DepthchargectlError {
	return &DepthchargectlError{
		Type:    errorType,
		Message: message,
	}
}

func NewDepthchargectlErrorWithCause(errorType error, message string, cause error) *DepthchargectlError {
	return &DepthchargectlError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}
