package smoke

import (
	"fmt"

	"github.com/LynnColeArt/gudart"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
)

// Kind classifies why a check failed
type Kind int

const (
	// KindRuntimeStatus is a non-success status returned by a runtime call
	KindRuntimeStatus Kind = iota
	// KindCaptureEnd is a failure to end a stream capture, reported apart
	// from the runtime calls that follow it
	KindCaptureEnd
	// KindResultMismatch is a computed value that differs from the expected one
	KindResultMismatch
)

func (k Kind) String() string {
	switch k {
	case KindRuntimeStatus:
		return "runtime-status"
	case KindCaptureEnd:
		return "capture-end"
	case KindResultMismatch:
		return "result-mismatch"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Failure is the error returned by a check. At is the call site of the
// failing runtime call or assertion.
type Failure struct {
	Kind  Kind
	Check string
	Op    string
	At    stack.Call
	Cause error
}

// Status returns the runtime status of the failure, gudart.Success for
// result mismatches.
func (f *Failure) Status() gudart.Status {
	if f.Kind == KindResultMismatch {
		return gudart.Success
	}
	return gudart.StatusOf(f.Cause)
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", f.Check, f.Op, f.Kind, f.Cause)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Diagnostic renders the failure as the single stderr line the command
// prints: description, status and location of the failing call.
func (f *Failure) Diagnostic() string {
	err := kv.Wrap(f.Cause, f.Kind.String()).With("check", f.Check, "op", f.Op)
	if f.Kind != KindResultMismatch {
		err = err.With("status", f.Status().String())
	}
	return err.With("location", fmt.Sprintf("%+v", f.At)).Error()
}

// mismatch builds the cause of a result-mismatch failure
func mismatch(what string, expected, got interface{}) error {
	return kv.NewError(what+" differs from expected value").With("expected", expected, "got", got)
}
