package smoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/LynnColeArt/gudart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opener(opts ...gudart.Option) Opener {
	return func() (*gudart.Context, error) {
		return gudart.NewContext(opts...)
	}
}

func run(t *testing.T, open Opener, opts Options) ([]Result, string) {
	t.Helper()
	var out bytes.Buffer
	r, err := NewRunner(open, &out, opts)
	require.NoError(t, err)
	results, err := r.Run(context.Background())
	require.NoError(t, err)
	return results, out.String()
}

func outcomes(results []Result) map[string]Outcome {
	m := map[string]Outcome{}
	for _, res := range results {
		m[res.Check] = res.Outcome
	}
	return m
}

func TestAllChecksPass(t *testing.T) {
	results, out := run(t, opener(), Options{})

	require.Len(t, results, 8)
	for i, res := range results {
		assert.Equal(t, Names()[i], res.Check)
		assert.Equal(t, Passed, res.Outcome, "%s: %v", res.Check, res.Err)
	}
	assert.Empty(t, Failures(results))
	assert.Contains(t, out, "peer access check skipped")
	assert.Contains(t, out, "bfloat16: 1.5 + 1.0 = 2.5")
	assert.Contains(t, out, "float16: 1.5 + 1.0 = 2.5")
	assert.Contains(t, out, "kernel wrote 1")
	assert.Contains(t, out, "8 passed, 0 failed, 0 not run")
}

func TestPeerCheckRunsWithTwoDevices(t *testing.T) {
	results, out := run(t, opener(gudart.WithDevices(2)), Options{Only: []string{CheckMemoryPeer}})
	require.Len(t, results, 1)
	assert.Equal(t, Passed, results[0].Outcome)
	assert.Contains(t, out, "device 0 can access device 1: yes")

	_, out = run(t, opener(gudart.WithDevices(2), gudart.WithPeerAccess(false)), Options{Only: []string{CheckMemoryPeer}})
	assert.Contains(t, out, "device 0 can access device 1: no")
}

func TestPeerCheckSkippedOnSingleDevice(t *testing.T) {
	// The peer query would fail, but with one device it is never issued
	open := opener(gudart.WithFault("DeviceCanAccessPeer", gudart.ErrorUnknown))
	results, out := run(t, open, Options{Only: []string{CheckMemoryPeer}})
	assert.Equal(t, Passed, results[0].Outcome)
	assert.Contains(t, out, "peer access check skipped")
}

func TestFailFast(t *testing.T) {
	open := opener(gudart.WithDevices(2), gudart.WithFault("DeviceCanAccessPeer", gudart.ErrorInvalidDevice))
	results, out := run(t, open, Options{})

	got := outcomes(results)
	assert.Equal(t, Passed, got[CheckDeviceInfo])
	assert.Equal(t, Failed, got[CheckMemoryPeer])
	for _, name := range Names()[2:] {
		assert.Equal(t, NotRun, got[name], name)
	}
	assert.NotContains(t, out, "GRAPH CAPTURE")

	failures := Failures(results)
	require.Len(t, failures, 1)
	f := failures[0]
	assert.Equal(t, KindRuntimeStatus, f.Kind)
	assert.Equal(t, CheckMemoryPeer, f.Check)
	assert.Equal(t, "DeviceCanAccessPeer", f.Op)
	assert.Equal(t, gudart.ErrorInvalidDevice, f.Status())
	assert.Equal(t, "memory.go", fileOf(f))

	diag := f.Diagnostic()
	assert.NotContains(t, diag, "\n")
	assert.Contains(t, diag, "memory-peer")
	assert.Contains(t, diag, "DeviceCanAccessPeer")
	assert.Contains(t, diag, "gudaErrorInvalidDevice")
	assert.Contains(t, diag, "memory.go")
}

// writeHalf is setOne gone wrong
func writeHalf(tid gudart.ThreadID, args ...interface{}) {
	if tid.Global() == 0 {
		args[0].(gudart.DevicePtr).Float32()[0] = 0.5
	}
}

func TestResultMismatchStopsRun(t *testing.T) {
	checks := Checks()
	for i := range checks {
		if checks[i].Name == CheckExtendedLaunch {
			checks[i].Run = func(e *Env) error { return launchExpectingOne(e, writeHalf) }
		}
	}
	results, out := run(t, opener(), Options{Checks: checks})

	got := outcomes(results)
	for _, name := range []string{CheckDeviceInfo, CheckMemoryPeer, CheckGraphCapture, CheckBFloat16, CheckPointerEvents} {
		assert.Equal(t, Passed, got[name], name)
	}
	assert.Equal(t, Failed, got[CheckExtendedLaunch])
	assert.Equal(t, NotRun, got[CheckAsyncStream])
	assert.Equal(t, NotRun, got[CheckHostPinned])
	assert.NotContains(t, out, "ASYNCHRONOUS STREAM")
	assert.NotContains(t, out, "kernel wrote")

	failures := Failures(results)
	require.Len(t, failures, 1)
	f := failures[0]
	assert.Equal(t, KindResultMismatch, f.Kind)
	assert.Equal(t, "LaunchKernelEx", f.Op)
	assert.Equal(t, gudart.Success, f.Status())
	assert.Equal(t, "launch.go", fileOf(f))
	assert.Contains(t, f.Diagnostic(), "got=0.5")

	results, _ = run(t, opener(), Options{Checks: checks, Policy: CollectAll})
	got = outcomes(results)
	assert.Equal(t, Failed, got[CheckExtendedLaunch])
	assert.Equal(t, Passed, got[CheckAsyncStream])
	assert.Equal(t, Passed, got[CheckHostPinned])
}

func TestCollectAll(t *testing.T) {
	open := opener(gudart.WithFault("Malloc", gudart.ErrorMemoryAllocation))
	results, _ := run(t, open, Options{Policy: CollectAll})

	got := outcomes(results)
	assert.Equal(t, Passed, got[CheckDeviceInfo])
	assert.Equal(t, Passed, got[CheckHostPinned])
	for _, name := range []string{CheckMemoryPeer, CheckGraphCapture, CheckBFloat16, CheckPointerEvents, CheckExtendedLaunch, CheckAsyncStream} {
		assert.Equal(t, Failed, got[name], name)
	}

	for _, f := range Failures(results) {
		assert.Equal(t, "Malloc", f.Op)
		assert.True(t, errors.Is(f, gudart.ErrMemoryAllocation))
	}
}

func TestCaptureEndFailure(t *testing.T) {
	open := opener(gudart.WithFault("StreamEndCapture", gudart.ErrorCaptureInvalidated))
	results, _ := run(t, open, Options{Only: []string{CheckGraphCapture}})

	failures := Failures(results)
	require.Len(t, failures, 1)
	assert.Equal(t, KindCaptureEnd, failures[0].Kind)
	assert.Equal(t, "capture-end", failures[0].Kind.String())
	assert.Equal(t, "graph.go", fileOf(failures[0]))
}

func TestGraphLaunchFailure(t *testing.T) {
	open := opener(gudart.WithFault("GraphLaunch", gudart.ErrorLaunchFailure))
	results, _ := run(t, open, Options{Only: []string{CheckGraphCapture}})

	failures := Failures(results)
	require.Len(t, failures, 1)
	assert.Equal(t, "GraphLaunch", failures[0].Op)
	assert.Equal(t, gudart.ErrorLaunchFailure, failures[0].Status())
}

func TestParallel(t *testing.T) {
	results, out := run(t, opener(gudart.WithDevices(2)), Options{Parallel: true})

	for _, res := range results {
		assert.Equal(t, Passed, res.Outcome, "%s: %v", res.Check, res.Err)
	}

	// Output is flushed in run order regardless of completion order
	last := -1
	for _, banner := range []string{"DEVICE & RUNTIME INFO", "MEMORY & PEER ACCESS", "GRAPH CAPTURE", "HOST PINNED MEMORY", "SUMMARY"} {
		idx := strings.Index(out, banner)
		require.Greater(t, idx, last, banner)
		last = idx
	}
}

func TestParallelFailFast(t *testing.T) {
	open := opener(gudart.WithFault("MallocManaged", gudart.ErrorMemoryAllocation))
	results, _ := run(t, open, Options{Parallel: true})

	got := outcomes(results)
	assert.Equal(t, Failed, got[CheckMemoryPeer])
	require.Len(t, Failures(results), 1)
}

func TestOnly(t *testing.T) {
	results, out := run(t, opener(), Options{Only: []string{CheckHostPinned, CheckDeviceInfo}})
	require.Len(t, results, 2)
	assert.Equal(t, CheckDeviceInfo, results[0].Check)
	assert.Equal(t, CheckHostPinned, results[1].Check)
	assert.NotContains(t, out, "GRAPH CAPTURE")

	_, err := NewRunner(opener(), &bytes.Buffer{}, Options{Only: []string{"warp-shuffle"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warp-shuffle")

	table := []Check{{Name: "noop", Run: func(*Env) error { return nil }}}
	results, _ = run(t, opener(), Options{Checks: table})
	require.Len(t, results, 1)
	assert.Equal(t, Passed, results[0].Outcome)
	_, err = NewRunner(opener(), &bytes.Buffer{}, Options{Checks: table, Only: []string{CheckDeviceInfo}})
	require.Error(t, err)
}

func TestRuntimeUnavailable(t *testing.T) {
	r, err := NewRunner(opener(gudart.WithDevices(0)), &bytes.Buffer{}, Options{})
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), gudart.ErrorNoDevice.String())
}

// fileOf returns the base name of the file a failure points at
func fileOf(f *Failure) string {
	return strings.SplitN(fmt.Sprintf("%v", f.At), ":", 2)[0]
}
