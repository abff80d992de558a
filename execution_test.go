package gudart

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorAdd(t *testing.T) {
	const N = 10000
	ctx := newTestContext(t)

	vecAdd := registerOrFail(t, ctx, "vecAdd", func(tid ThreadID, args ...interface{}) {
		a := args[0].(DevicePtr).Float32()
		b := args[1].(DevicePtr).Float32()
		c := args[2].(DevicePtr).Float32()
		n := args[3].(int)
		if idx := tid.Global(); idx < n {
			c[idx] = a[idx] + b[idx]
		}
	})

	hA := make([]float32, N)
	hB := make([]float32, N)
	for i := range hA {
		hA[i] = float32(i)
		hB[i] = float32(2 * i)
	}
	dA := mallocOrFail(t, ctx, N*4)
	dB := mallocOrFail(t, ctx, N*4)
	dC := mallocOrFail(t, ctx, N*4)
	require.NoError(t, ctx.Memcpy(dA, hA, N*4, MemcpyHostToDevice))
	require.NoError(t, ctx.Memcpy(dB, hB, N*4, MemcpyHostToDevice))

	grid := Dim3{X: (N + DefaultBlockSize - 1) / DefaultBlockSize}
	block := Dim3{X: DefaultBlockSize}
	require.NoError(t, ctx.LaunchKernel(vecAdd, grid, block, 0, nil, dA, dB, dC, N))
	require.NoError(t, ctx.DeviceSynchronize())

	hC := make([]float32, N)
	require.NoError(t, ctx.Memcpy(hC, dC, N*4, MemcpyDeviceToHost))
	for i := range hC {
		require.Equal(t, float32(3*i), hC[i], "index %d", i)
	}
}

func TestLaunchCoversGrid(t *testing.T) {
	ctx := newTestContext(t)

	grid := Dim3{X: 3, Y: 2, Z: 2}
	block := Dim3{X: 4, Y: 2}
	total := grid.Size() * block.Size()
	hits := make([]int32, total)

	mark := registerOrFail(t, ctx, "mark", func(tid ThreadID, args ...interface{}) {
		x := tid.GlobalX()
		y := tid.GlobalY()
		z := tid.GlobalZ()
		w := tid.GridDim.X * tid.BlockDim.X
		h := tid.GridDim.Y * tid.BlockDim.Y
		atomic.AddInt32(&hits[(z*h+y)*w+x], 1)
	})
	require.NoError(t, ctx.LaunchKernel(mark, grid, block, 0, nil))
	require.NoError(t, ctx.DeviceSynchronize())

	for i, n := range hits {
		require.Equal(t, int32(1), n, "thread %d", i)
	}
}

func TestDim3(t *testing.T) {
	assert.Equal(t, 8, Dim3{X: 8}.Size())
	assert.Equal(t, 24, Dim3{X: 2, Y: 3, Z: 4}.Size())
	assert.Equal(t, Dim3{X: 1, Y: 2, Z: 3}, linearTo3D(1+2*4+3*4*3, Dim3{X: 4, Y: 3, Z: 5}))
}

func TestLaunchValidation(t *testing.T) {
	ctx := newTestContext(t)
	noop := registerOrFail(t, ctx, "noop", func(ThreadID, ...interface{}) {})
	small := registerOrFail(t, ctx, "small", func(ThreadID, ...interface{}) {}, WithMaxThreadsPerBlock(64))

	tests := []struct {
		name   string
		f      *Function
		grid   Dim3
		block  Dim3
		shared int
		status Status
	}{
		{"zero grid", noop, Dim3{}, Dim3{X: 1}, 0, ErrorInvalidConfiguration},
		{"zero block", noop, Dim3{X: 1}, Dim3{}, 0, ErrorInvalidConfiguration},
		{"negative grid", noop, Dim3{X: -1}, Dim3{X: 1}, 0, ErrorInvalidConfiguration},
		{"block too large", noop, Dim3{X: 1}, Dim3{X: 32, Y: 64}, 0, ErrorInvalidConfiguration},
		{"kernel limit", small, Dim3{X: 1}, Dim3{X: 128}, 0, ErrorInvalidConfiguration},
		{"shared memory", noop, Dim3{X: 1}, Dim3{X: 1}, MaxSharedMemoryPerBlock + 1, ErrorInvalidConfiguration},
		{"nil function", nil, Dim3{X: 1}, Dim3{X: 1}, 0, ErrorInvalidDeviceFunction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireStatus(t, tt.status, ctx.LaunchKernel(tt.f, tt.grid, tt.block, tt.shared, nil))
			requireStatus(t, tt.status, ctx.LaunchKernelEx(LaunchConfig{Grid: tt.grid, Block: tt.block, SharedMem: tt.shared}, tt.f))
		})
	}
}

func TestFuncGetAttributes(t *testing.T) {
	ctx := newTestContext(t)

	f := registerOrFail(t, ctx, "tiled", func(ThreadID, ...interface{}) {}, WithSharedMemory(16*1024))
	assert.Equal(t, "tiled", f.Name())

	attrs, err := ctx.FuncGetAttributes(f)
	require.NoError(t, err)
	assert.Equal(t, MaxThreadsPerBlock, attrs.MaxThreadsPerBlock)
	assert.Equal(t, 16*1024, attrs.SharedSizeBytes)
	assert.Equal(t, MaxSharedMemoryPerBlock-16*1024, attrs.MaxDynamicSharedSizeBytes)
	assert.Equal(t, 80, attrs.BinaryVersion)

	_, err = ctx.FuncGetAttributes(nil)
	requireStatus(t, ErrorInvalidDeviceFunction, err)

	_, err = ctx.RegisterFunction("nil", nil)
	requireStatus(t, ErrorInvalidDeviceFunction, err)
	_, err = ctx.RegisterFunction("huge", func(ThreadID, ...interface{}) {}, WithMaxThreadsPerBlock(4096))
	requireStatus(t, ErrorInvalidValue, err)
}

func TestLaunchKernelEx(t *testing.T) {
	ctx := newTestContext(t)

	setOne := registerOrFail(t, ctx, "setOne", func(tid ThreadID, args ...interface{}) {
		args[0].(DevicePtr).Float32()[0] = 1.0
	})
	d := mallocOrFail(t, ctx, 4)

	// Default stream, no events
	require.NoError(t, ctx.LaunchKernelEx(LaunchConfig{Grid: Dim3{X: 1}, Block: Dim3{X: 1}}, setOne, d))
	out := make([]float32, 1)
	require.NoError(t, ctx.Memcpy(out, d, 4, MemcpyDeviceToHost))
	assert.Equal(t, float32(1.0), out[0])
}

func TestLaunchKernelExEvents(t *testing.T) {
	ctx := newTestContext(t)
	upstream := streamOrFail(t, ctx)
	s := streamOrFail(t, ctx)

	block, release := blockingKernel(t, ctx)
	var ran atomic.Bool
	mark := registerOrFail(t, ctx, "mark", func(ThreadID, ...interface{}) { ran.Store(true) })

	before, err := ctx.EventCreate()
	require.NoError(t, err)
	after, err := ctx.EventCreateWithFlags(EventBlockingSync)
	require.NoError(t, err)

	require.NoError(t, ctx.LaunchKernel(block, Dim3{X: 1}, Dim3{X: 1}, 0, upstream))
	require.NoError(t, ctx.EventRecord(before, upstream))

	cfg := LaunchConfig{
		Grid:         Dim3{X: 1},
		Block:        Dim3{X: 1},
		Stream:       s,
		WaitEvents:   []*Event{before},
		SignalEvents: []*Event{after},
	}
	require.NoError(t, ctx.LaunchKernelEx(cfg, mark))

	requireStatus(t, ErrorNotReady, ctx.EventQuery(after))
	assert.False(t, ran.Load(), "kernel waits for its wait events")

	close(release)
	require.NoError(t, ctx.EventSynchronize(after))
	assert.True(t, ran.Load())
}
