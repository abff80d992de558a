package gudart

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestContext creates a context that is destroyed when the test ends
func newTestContext(t testing.TB, opts ...Option) *Context {
	t.Helper()
	ctx, err := NewContext(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Destroy() })
	return ctx
}

// mallocOrFail allocates device memory and fails the test if unsuccessful
func mallocOrFail(t testing.TB, ctx *Context, size int) DevicePtr {
	t.Helper()
	ptr, err := ctx.Malloc(size)
	require.NoError(t, err, "Malloc(%d)", size)
	return ptr
}

// streamOrFail creates a stream and fails the test if unsuccessful
func streamOrFail(t testing.TB, ctx *Context) *Stream {
	t.Helper()
	s, err := ctx.StreamCreate()
	require.NoError(t, err)
	return s
}

// registerOrFail registers a kernel and fails the test if unsuccessful
func registerOrFail(t testing.TB, ctx *Context, name string, fn KernelFunc, opts ...FunctionOption) *Function {
	t.Helper()
	f, err := ctx.RegisterFunction(name, fn, opts...)
	require.NoError(t, err)
	return f
}

// requireStatus asserts that err carries the given runtime status
func requireStatus(t testing.TB, want Status, err error) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, StatusOf(err), "unexpected error: %v", err)
}

// blockingKernel returns a kernel that parks until release is closed
func blockingKernel(t testing.TB, ctx *Context) (*Function, chan struct{}) {
	t.Helper()
	release := make(chan struct{})
	f := registerOrFail(t, ctx, "block", func(ThreadID, ...interface{}) { <-release })
	return f, release
}
