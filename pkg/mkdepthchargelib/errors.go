// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

package mkdepthchargelib

import (
	"errors"
	"fmt"
)

// Global error types for categorization
var (
	ClassificationError         = errors.New("classification")
	PlacementDriftError         = errors.New("placement-drift")
	UnsupportedCombinationError = errors.New("unsupported-combination")
	PackagingError              = errors.New("packaging")
)

// Static error messages as global variables
var (
	DeviceTreesWithZimageError = errors.New("device trees cannot be packed into a zimage format image")
	CompressedZimageError      = errors.New("zimage format images cannot be compressed")
	RamdiskOffsetMovedError    = errors.New("ramdisk offset moved between the temporary and final pack")
	KernelRequiredError        = errors.New("a kernel input is required to build an image")
	KeyblockRequiredError      = errors.New("a keyblock and signing key are required to build an image")
	OutputRequiredError        = errors.New("an output path is required to build an image")
)

// BuildError struct for dynamic content
type BuildError struct {
	Type    error
	Message string
	Cause   error
}

func (e *BuildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s:\n%v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *BuildError) Unwrap() error {
	return e.Cause
}

func (e *BuildError) Is(target error) bool {
	return errors.Is(e.Type, target)
}

// Helper functions for creating BuildError instances
func NewBuildError(errorType error, message string) *BuildError {
	return &BuildError{
		Type:    errorType,
		Message: message,
	}
}

func NewBuildErrorWithCause(errorType error, message string, cause error) *BuildError {
	return &BuildError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}
