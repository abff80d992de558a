// Package gudart structured error types for runtime status reporting
package gudart

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Status is a runtime status code. Values follow the CUDA runtime numbering so
// that diagnostics read the same as on vendor hardware.
type Status int

const (
	Success                    Status = 0
	ErrorInvalidValue          Status = 1
	ErrorMemoryAllocation      Status = 2
	ErrorInitialization        Status = 3
	ErrorInvalidConfiguration  Status = 9
	ErrorInvalidDevicePointer  Status = 17
	ErrorInvalidDeviceFunction Status = 98
	ErrorNoDevice              Status = 100
	ErrorInvalidDevice         Status = 101
	ErrorPeerAccessUnsupported Status = 217
	ErrorInvalidResourceHandle Status = 400
	ErrorNotReady              Status = 600
	ErrorPeerAccessEnabled     Status = 704
	ErrorPeerAccessNotEnabled  Status = 705
	ErrorLaunchFailure         Status = 719
	ErrorNotSupported          Status = 801
	ErrorCaptureUnsupported    Status = 900
	ErrorCaptureInvalidated    Status = 901
	ErrorCaptureUnmatched      Status = 903
	ErrorCaptureIsolation      Status = 905
	ErrorCapturedEvent         Status = 907
	ErrorUnknown               Status = 999
)

var statusNames = map[Status]string{
	Success:                    "gudaSuccess",
	ErrorInvalidValue:          "gudaErrorInvalidValue",
	ErrorMemoryAllocation:      "gudaErrorMemoryAllocation",
	ErrorInitialization:        "gudaErrorInitializationError",
	ErrorInvalidConfiguration:  "gudaErrorInvalidConfiguration",
	ErrorInvalidDevicePointer:  "gudaErrorInvalidDevicePointer",
	ErrorInvalidDeviceFunction: "gudaErrorInvalidDeviceFunction",
	ErrorNoDevice:              "gudaErrorNoDevice",
	ErrorInvalidDevice:         "gudaErrorInvalidDevice",
	ErrorPeerAccessUnsupported: "gudaErrorPeerAccessUnsupported",
	ErrorInvalidResourceHandle: "gudaErrorInvalidResourceHandle",
	ErrorNotReady:              "gudaErrorNotReady",
	ErrorPeerAccessEnabled:     "gudaErrorPeerAccessAlreadyEnabled",
	ErrorPeerAccessNotEnabled:  "gudaErrorPeerAccessNotEnabled",
	ErrorLaunchFailure:         "gudaErrorLaunchFailure",
	ErrorNotSupported:          "gudaErrorNotSupported",
	ErrorCaptureUnsupported:    "gudaErrorStreamCaptureUnsupported",
	ErrorCaptureInvalidated:    "gudaErrorStreamCaptureInvalidated",
	ErrorCaptureUnmatched:      "gudaErrorStreamCaptureUnmatched",
	ErrorCaptureIsolation:      "gudaErrorStreamCaptureIsolation",
	ErrorCapturedEvent:         "gudaErrorCapturedEvent",
	ErrorUnknown:               "gudaErrorUnknown",
}

var statusDescriptions = map[Status]string{
	Success:                    "no error",
	ErrorInvalidValue:          "invalid argument",
	ErrorMemoryAllocation:      "out of memory",
	ErrorInitialization:        "initialization error",
	ErrorInvalidConfiguration:  "invalid configuration argument",
	ErrorInvalidDevicePointer:  "invalid device pointer",
	ErrorInvalidDeviceFunction: "invalid device function",
	ErrorNoDevice:              "no compute device available",
	ErrorInvalidDevice:         "invalid device ordinal",
	ErrorPeerAccessUnsupported: "peer access is not supported between these two devices",
	ErrorInvalidResourceHandle: "invalid resource handle",
	ErrorNotReady:              "device not ready",
	ErrorPeerAccessEnabled:     "peer access is already enabled",
	ErrorPeerAccessNotEnabled:  "peer access has not been enabled",
	ErrorLaunchFailure:         "unspecified launch failure",
	ErrorNotSupported:          "operation not supported",
	ErrorCaptureUnsupported:    "operation not permitted when stream is capturing",
	ErrorCaptureInvalidated:    "operation failed due to a previous error during capture",
	ErrorCaptureUnmatched:      "capture was not initiated in this stream",
	ErrorCaptureIsolation:      "dependency would cross the capture boundary",
	ErrorCapturedEvent:         "operation not permitted on an event last recorded in a capturing stream",
	ErrorUnknown:               "unknown error",
}

// String returns the symbolic name of the status
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("gudaError(%d)", int(s))
}

// ParseStatus accepts either the symbolic name of a status, with or without
// its gudaError prefix, or its number.
func ParseStatus(text string) (Status, error) {
	if n, err := strconv.Atoi(text); err == nil {
		return Status(n), nil
	}
	for s, name := range statusNames {
		if name == text || strings.TrimPrefix(name, "gudaError") == text {
			return s, nil
		}
	}
	return 0, errors.Errorf("unknown status %q", text)
}

// Description returns the human readable text for the status, the
// equivalent of cudaGetErrorString.
func (s Status) Description() string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return statusDescriptions[ErrorUnknown]
}

// Error is the structured error returned by every runtime operation.
type Error struct {
	Status  Status
	Op      string // Operation that failed
	Message string // Extra detail, may be empty
	Err     error  // Underlying error if any
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s (%s)", e.Op, e.Status.Description(), e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap allows error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same status, which lets callers compare
// against the package sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Status == e.Status
}

func newError(op string, status Status, format string, args ...interface{}) error {
	return &Error{
		Status:  status,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

func wrapError(op string, status Status, err error, format string, args ...interface{}) error {
	return &Error{
		Status: status,
		Op:     op,
		Err:    errors.Wrapf(err, format, args...),
	}
}

// Common pre-defined errors, usable as errors.Is targets.
var (
	ErrInvalidValue          = &Error{Status: ErrorInvalidValue, Op: "runtime"}
	ErrMemoryAllocation      = &Error{Status: ErrorMemoryAllocation, Op: "runtime"}
	ErrInvalidDevice         = &Error{Status: ErrorInvalidDevice, Op: "runtime"}
	ErrInvalidDevicePointer  = &Error{Status: ErrorInvalidDevicePointer, Op: "runtime"}
	ErrInvalidResourceHandle = &Error{Status: ErrorInvalidResourceHandle, Op: "runtime"}
	ErrInvalidConfiguration  = &Error{Status: ErrorInvalidConfiguration, Op: "runtime"}
	ErrNotReady              = &Error{Status: ErrorNotReady, Op: "runtime"}
	ErrLaunchFailure         = &Error{Status: ErrorLaunchFailure, Op: "runtime"}
	ErrCaptureUnsupported    = &Error{Status: ErrorCaptureUnsupported, Op: "runtime"}
	ErrCaptureInvalidated    = &Error{Status: ErrorCaptureInvalidated, Op: "runtime"}
	ErrCaptureUnmatched      = &Error{Status: ErrorCaptureUnmatched, Op: "runtime"}
	ErrCaptureIsolation      = &Error{Status: ErrorCaptureIsolation, Op: "runtime"}
	ErrCapturedEvent         = &Error{Status: ErrorCapturedEvent, Op: "runtime"}
)

// StatusOf extracts the status carried by err. A nil error is Success and a
// foreign error is ErrorUnknown.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return ErrorUnknown
}

// IsNotReady reports whether err is the not-ready status returned by the
// polling queries StreamQuery and EventQuery.
func IsNotReady(err error) bool {
	return StatusOf(err) == ErrorNotReady
}
