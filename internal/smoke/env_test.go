package smoke

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/LynnColeArt/gudart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv(t *testing.T, opts ...gudart.Option) (*Env, *bytes.Buffer) {
	t.Helper()
	rt, err := gudart.NewContext(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Destroy() })

	var out bytes.Buffer
	return newEnv(rt, "unit", 0, NewReporter(&out, false)), &out
}

func TestReleaseOrder(t *testing.T) {
	e, _ := testEnv(t)

	var freed []string
	for _, what := range []string{"a", "b", "c"} {
		e.hold(what, "Free", func() error {
			freed = append(freed, what)
			return nil
		})
	}

	require.NoError(t, e.release("b"))
	assert.Equal(t, []string{"a", "c"}, e.held.pending())

	require.NoError(t, e.held.releaseAll())
	assert.Equal(t, []string{"b", "c", "a"}, freed)
	assert.Empty(t, e.held.pending())

	// Nothing left, releasing again must not free twice
	err := e.release("b")
	require.Error(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, freed)
	assert.Contains(t, err.Error(), "resource not held")
}

func TestDrop(t *testing.T) {
	e, _ := testEnv(t)

	called := false
	e.hold("capture", "StreamEndCapture", func() error {
		called = true
		return nil
	})
	e.drop("capture")
	require.NoError(t, e.held.releaseAll())
	assert.False(t, called)
}

func TestReleaseAllFreesRuntimeMemory(t *testing.T) {
	e, _ := testEnv(t)

	free, total, err := e.RT.MemGetInfo()
	require.NoError(t, err)
	require.Equal(t, total, free)

	for i := 0; i < 3; i++ {
		d, err := e.RT.Malloc(1 << 20)
		require.NoError(t, err)
		e.hold(fmt.Sprintf("allocation %d", i), "Free", func() error { return e.RT.Free(d) })
	}
	s, err := e.RT.StreamCreate()
	require.NoError(t, err)
	e.hold("stream", "StreamDestroy", func() error { return e.RT.StreamDestroy(s) })

	free, _, err = e.RT.MemGetInfo()
	require.NoError(t, err)
	assert.Less(t, free, total)

	require.NoError(t, e.held.releaseAll())
	free, _, err = e.RT.MemGetInfo()
	require.NoError(t, err)
	assert.Equal(t, total, free)
}

func TestReleaseAllReportsFirstError(t *testing.T) {
	e, _ := testEnv(t)

	boom := errors.New("boom")
	e.hold("first", "Free", func() error { return errors.New("older") })
	e.hold("second", "Free", func() error { return boom })

	err := e.held.releaseAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "second")
	assert.Empty(t, e.held.pending())
}

func TestHelpersProduceFailures(t *testing.T) {
	e, _ := testEnv(t, gudart.WithFault("Malloc", gudart.ErrorMemoryAllocation))

	assert.NoError(t, e.ok("DeviceSynchronize", e.RT.DeviceSynchronize()))

	_, err := result(e, "Malloc", func() (gudart.DevicePtr, error) {
		return e.RT.Malloc(64)
	})
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, KindRuntimeStatus, f.Kind)
	assert.Equal(t, "unit", f.Check)
	assert.Equal(t, gudart.ErrorMemoryAllocation, f.Status())
	assert.Equal(t, "env_test.go", fileOf(f))
	assert.True(t, errors.Is(err, gudart.ErrMemoryAllocation))

	assert.NoError(t, e.expect("compare", true, nil))
	err = e.expect("compare", false, func() error { return mismatch("sum", 3, 4) })
	require.True(t, errors.As(err, &f))
	assert.Equal(t, KindResultMismatch, f.Kind)
	assert.Equal(t, gudart.Success, f.Status())
	assert.Contains(t, f.Error(), "unit: compare result-mismatch")

	diag := f.Diagnostic()
	assert.Contains(t, diag, "result-mismatch")
	assert.Contains(t, diag, "expected=3")
	assert.Contains(t, diag, "got=4")
	assert.NotContains(t, diag, "status=")
}

func TestSelectDevice(t *testing.T) {
	e, _ := testEnv(t)
	require.NoError(t, e.selectDevice())

	e.Device = 3
	err := e.selectDevice()
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, "SetDevice", f.Op)
	assert.Equal(t, gudart.ErrorInvalidDevice, f.Status())
}

func TestReporter(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(&out, true)
	r.Banner("device info")
	r.Printf("%d devices\n", 2)
	r.Dump("dim", gudart.Dim3{X: 1, Y: 2, Z: 3})

	assert.Contains(t, out.String(), "DEVICE INFO")
	assert.Contains(t, out.String(), "  2 devices\n")
	assert.Contains(t, out.String(), "Y: (int) 2")

	out.Reset()
	NewReporter(&out, false).Dump("dim", gudart.Dim3{})
	assert.Empty(t, out.String())
}
