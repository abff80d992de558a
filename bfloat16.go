package gudart

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
)

// BFloat16FromFloat32 narrows f to bfloat16 with round-to-nearest-even, the
// behaviour of the device conversion intrinsics. NaN stays a quiet NaN.
func BFloat16FromFloat32(f float32) bfloat16.BFloat16 {
	if math.IsNaN(float64(f)) {
		return bfloat16.BFloat16(0x7FC0)
	}
	bits := math.Float32bits(f)
	bits += 0x7FFF + ((bits >> 16) & 1)
	return bfloat16.BFloat16(uint16(bits >> 16))
}

// BFloat16Slice wraps a byte slice as bfloat16 values
type BFloat16Slice struct {
	data []byte
}

// NewBFloat16Slice creates a BFloat16 slice from a byte slice
func NewBFloat16Slice(data []byte) BFloat16Slice {
	return BFloat16Slice{data: data}
}

// Len returns the number of BFloat16 elements
func (s BFloat16Slice) Len() int {
	return len(s.data) / 2
}

// Get returns the BFloat16 at index i
func (s BFloat16Slice) Get(i int) bfloat16.BFloat16 {
	return bfloat16.BFloat16(uint16(s.data[i*2]) | (uint16(s.data[i*2+1]) << 8))
}

// Set sets the BFloat16 at index i
func (s BFloat16Slice) Set(i int, val bfloat16.BFloat16) {
	b := uint16(val)
	s.data[i*2] = byte(b)
	s.data[i*2+1] = byte(b >> 8)
}

// GetFloat32 returns the value at index i widened to float32
func (s BFloat16Slice) GetFloat32(i int) float32 {
	return s.Get(i).Float32()
}

// SetFloat32 narrows val and stores it at index i
func (s BFloat16Slice) SetFloat32(i int, val float32) {
	s.Set(i, BFloat16FromFloat32(val))
}

// BFloat16 returns a BFloat16 slice view of the memory
func (d DevicePtr) BFloat16() BFloat16Slice {
	if d.ptr == nil {
		return BFloat16Slice{}
	}
	return NewBFloat16Slice(d.Byte())
}
