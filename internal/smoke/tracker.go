package smoke

import (
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
	"k8s.io/klog/v2"
)

// tracker records the resources a check holds so that each is released
// exactly once. The success path releases them explicitly, in the order the
// check documents. After a failure releaseAll synchronizes the device and
// frees whatever is still held, newest first.
type tracker struct {
	env  *Env
	held []*resource
}

type resource struct {
	what string
	op   string // Runtime operation that frees it
	free func() error
}

// hold registers a resource released by the runtime operation op
func (e *Env) hold(what, op string, free func() error) {
	e.held.held = append(e.held.held, &resource{what: what, op: op, free: free})
}

// release frees the newest held resource named what
func (e *Env) release(what string) error {
	r := e.held.take(what)
	if r == nil {
		return e.fail(KindRuntimeStatus, "release", stack.Caller(1),
			kv.NewError("resource not held").With("resource", what))
	}
	if err := r.free(); err != nil {
		return e.fail(KindRuntimeStatus, r.op, stack.Caller(1), err)
	}
	return nil
}

// drop forgets a resource the runtime released on its own
func (e *Env) drop(what string) {
	e.held.take(what)
}

func (t *tracker) take(what string) *resource {
	for i := len(t.held) - 1; i >= 0; i-- {
		if r := t.held[i]; r.what == what {
			t.held = append(t.held[:i], t.held[i+1:]...)
			return r
		}
	}
	return nil
}

// pending lists the resources still held, oldest first
func (t *tracker) pending() []string {
	names := make([]string, 0, len(t.held))
	for _, r := range t.held {
		names = append(names, r.what)
	}
	return names
}

// releaseAll frees everything still held. Outstanding work is drained first
// so that no freed memory backs an operation in flight. The first release
// failure is returned, the others are logged.
func (t *tracker) releaseAll() error {
	if len(t.held) == 0 {
		return nil
	}
	if err := t.env.RT.DeviceSynchronize(); err != nil {
		klog.Warningf("smoke: %s: synchronize before cleanup: %v", t.env.check, err)
	}

	var first error
	for len(t.held) > 0 {
		r := t.held[len(t.held)-1]
		t.held = t.held[:len(t.held)-1]
		if err := r.free(); err != nil {
			wrapped := kv.Wrap(err, "cleanup").With("check", t.env.check, "resource", r.what, "op", r.op)
			if first == nil {
				first = wrapped
				continue
			}
			klog.Warning(wrapped)
		}
	}
	return first
}
