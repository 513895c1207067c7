package backends

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device status codes, using the OpenCL numbering so both backends report the same codes.
const (
	StatusSuccess                   = 0
	StatusOutOfResources            = -5
	StatusOutOfHostMemory           = -6
	StatusProfilingInfoNotAvailable = -7
	StatusBuildProgramFailure       = -11
	StatusExecStatusErrorInWait     = -14
	StatusInvalidValue              = -30
	StatusInvalidCommandQueue       = -36
	StatusInvalidHostPtr            = -37
	StatusInvalidMemObject          = -38
	StatusInvalidProgram            = -44
	StatusInvalidKernelName         = -46
	StatusInvalidKernel             = -48
	StatusInvalidArgIndex           = -49
	StatusInvalidArgValue           = -50
	StatusInvalidArgSize            = -51
	StatusInvalidKernelArgs         = -52
	StatusInvalidWorkGroupSize      = -54
	StatusInvalidEvent              = -58
	StatusInvalidBufferSize         = -61
	StatusUnknown                   = -9999
)

// DeviceError is a failure reported by a device or its runtime.
type DeviceError struct {
	// Op is the operation that failed, e.g. "EnqueueWrite".
	Op string

	// Code is the device status code, see the Status* constants.
	Code int

	// Err is the underlying error, if any.
	Err error
}

// Error implements error.
func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device error in %s (%d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("device error in %s (%d)", e.Op, e.Code)
}

// Unwrap returns the underlying error.
func (e *DeviceError) Unwrap() error { return e.Err }

// NewDeviceError creates a *DeviceError with a formatted message.
func NewDeviceError(op string, code int, format string, args ...any) *DeviceError {
	return &DeviceError{Op: op, Code: code, Err: errors.Errorf(format, args...)}
}

// StatusOf returns the device status code of err, StatusSuccess for nil,
// or StatusUnknown if err is not a *DeviceError.
func StatusOf(err error) int {
	if err == nil {
		return StatusSuccess
	}
	var deviceErr *DeviceError
	if errors.As(err, &deviceErr) {
		return deviceErr.Code
	}
	return StatusUnknown
}

// Abort handles a device error, which is always fatal: the default logs it and panics.
//
// If you want a different behavior (like `klog.Fatalf`), reassign Abort.
// It is never called with a nil error.
var Abort = func(err error) {
	klog.Errorf("Fatal device error (%d): %+v\nPanicking ...\n\n", StatusOf(err), err)
	panic(err)
}

// AbortIf calls Abort with err annotated by the formatted message, if err is not nil.
func AbortIf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	Abort(errors.WithMessagef(err, format, args...))
}
