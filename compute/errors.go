package compute

import (
	"errors"
	"fmt"
)

var (
	// ErrEntryPointMissing is the cause of a KernelResolutionError when the
	// kernel library has no such entry point.
	ErrEntryPointMissing = errors.New("entry point not found")
	// ErrReadbackCancelled is returned by Readback.Poll after Cancel.
	ErrReadbackCancelled = errors.New("readback cancelled")
	// ErrForeignResource is returned when a resource from another device is
	// handed to Submit or RequestReadback.
	ErrForeignResource = errors.New("resource belongs to another device")
)

// KernelResolutionError is fatal at startup: a required stage kernel is
// missing from the device's kernel library.
type KernelResolutionError struct {
	Stage Stage
	Entry string
	Err   error
}

func (e *KernelResolutionError) Error() string {
	return fmt.Sprintf("resolve %s kernel %q: %v", e.Stage, e.Entry, e.Err)
}

func (e *KernelResolutionError) Unwrap() error { return e.Err }

// AllocationError reports a failed surface or buffer creation.
type AllocationError struct {
	Resource string
	Err      error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate %s: %v", e.Resource, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// ReadbackError reports a failed device-to-host transfer. The frame it
// belonged to is dropped.
type ReadbackError struct {
	Err error
}

func (e *ReadbackError) Error() string {
	return fmt.Sprintf("readback: %v", e.Err)
}

func (e *ReadbackError) Unwrap() error { return e.Err }
