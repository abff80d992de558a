// Package smoke implements the runtime smoke checks and the runner that
// sequences them.
//
// Each check exercises one group of the runtime API end to end against an
// explicit Env. Runtime calls go through the helpers of Env, which turn a
// non-success status into a *Failure naming the check, the operation and the
// call site. The runner decides whether a failure stops the run.
package smoke

import (
	"github.com/LynnColeArt/gudart"
	"github.com/go-stack/stack"
)

// Env is the explicit context a check runs against
type Env struct {
	RT     *gudart.Context
	Device int // Ordinal the check selects before allocating
	Out    *Reporter

	check string
	held  *tracker
}

func newEnv(rt *gudart.Context, check string, device int, out *Reporter) *Env {
	e := &Env{
		RT:     rt,
		Device: device,
		Out:    out,
		check:  check,
	}
	e.held = &tracker{env: e}
	return e
}

// Check returns the name of the running check
func (e *Env) Check() string {
	return e.check
}

func (e *Env) fail(kind Kind, op string, at stack.Call, cause error) *Failure {
	return &Failure{
		Kind:  kind,
		Check: e.check,
		Op:    op,
		At:    at,
		Cause: cause,
	}
}

// ok turns the status of an error-only runtime call into a Failure
func (e *Env) ok(op string, err error) error {
	if err == nil {
		return nil
	}
	return e.fail(KindRuntimeStatus, op, stack.Caller(1), err)
}

// expect fails with a result mismatch unless cond holds
func (e *Env) expect(op string, cond bool, cause func() error) error {
	if cond {
		return nil
	}
	return e.fail(KindResultMismatch, op, stack.Caller(1), cause())
}

// result runs a value-returning runtime call and turns its status into a
// Failure located at the caller of result.
func result[T any](e *Env, op string, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err != nil {
		return v, e.fail(KindRuntimeStatus, op, stack.Caller(1), err)
	}
	return v, nil
}

// selectDevice makes the check's device current
func (e *Env) selectDevice() error {
	if err := e.RT.SetDevice(e.Device); err != nil {
		return e.fail(KindRuntimeStatus, "SetDevice", stack.Caller(1), err)
	}
	return nil
}
