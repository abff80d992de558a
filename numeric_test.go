package gudart

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestBFloat16FromFloat32(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		bits uint16
	}{
		{"one", 1.0, 0x3F80},
		{"one_and_half", 1.5, 0x3FC0},
		{"two_and_half", 2.5, 0x4020},
		{"negative", -2.0, 0xC000},
		{"tie_to_even_down", 1 + 1.0/256, 0x3F80},
		{"tie_to_even_up", 1 + 3.0/256, 0x3F82},
		{"above_tie", 1 + 1.0/256 + 1.0/4096, 0x3F81},
		{"nan", float32(math.NaN()), 0x7FC0},
		{"inf", float32(math.Inf(1)), 0x7F80},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.bits, uint16(BFloat16FromFloat32(tt.in)))
		})
	}
}

func TestBFloat16Slice(t *testing.T) {
	s := NewBFloat16Slice(make([]byte, 8))
	require.Equal(t, 4, s.Len())

	s.SetFloat32(0, 1.5)
	s.Set(1, bfloat16.BFloat16(0x4020))
	assert.Equal(t, float32(1.5), s.GetFloat32(0))
	assert.Equal(t, float32(2.5), s.GetFloat32(1))
	assert.Equal(t, float32(0), s.GetFloat32(3))
}

func TestFloat16Slice(t *testing.T) {
	s := NewFloat16Slice(make([]byte, 4))
	require.Equal(t, 2, s.Len())

	s.SetFloat32(0, 1.5)
	s.Set(1, float16.Fromfloat32(-0.25))
	assert.Equal(t, float32(1.5), s.GetFloat32(0))
	assert.Equal(t, float32(-0.25), s.GetFloat32(1))
	assert.Equal(t, uint16(0x3E00), s.Get(0).Bits())
}

// TestReducedPrecisionKernel widens, adds one and narrows on the device,
// the way a mixed precision kernel would.
func TestReducedPrecisionKernel(t *testing.T) {
	ctx := newTestContext(t)

	addOne := registerOrFail(t, ctx, "bf16AddOne", func(tid ThreadID, args ...interface{}) {
		if tid.Global() != 0 {
			return
		}
		v := args[0].(DevicePtr).BFloat16()
		v.SetFloat32(0, v.GetFloat32(0)+1)
	})

	d := mallocOrFail(t, ctx, 2)
	in := []bfloat16.BFloat16{BFloat16FromFloat32(1.5)}
	require.NoError(t, ctx.Memcpy(d, in, 2, MemcpyHostToDevice))
	require.NoError(t, ctx.LaunchKernel(addOne, Dim3{X: 1}, Dim3{X: 1}, 0, nil, d))
	require.NoError(t, ctx.DeviceSynchronize())

	out := make([]bfloat16.BFloat16, 1)
	require.NoError(t, ctx.Memcpy(out, d, 2, MemcpyDeviceToHost))
	got := out[0].Float32()
	assert.NotEqual(t, float32(1.5), got)
	assert.True(t, Float32NearEqual(2.5, got, BFloat16Tolerance()), "got %v", got)
}
