package gudart

import (
	"github.com/x448/float16"
)

// Float16Slice wraps a byte slice as IEEE half precision values
type Float16Slice struct {
	data []byte
}

// NewFloat16Slice creates a Float16 slice from a byte slice
func NewFloat16Slice(data []byte) Float16Slice {
	return Float16Slice{data: data}
}

// Len returns the number of Float16 elements
func (s Float16Slice) Len() int {
	return len(s.data) / 2
}

// Get returns the Float16 at index i
func (s Float16Slice) Get(i int) float16.Float16 {
	return float16.Frombits(uint16(s.data[i*2]) | (uint16(s.data[i*2+1]) << 8))
}

// Set sets the Float16 at index i
func (s Float16Slice) Set(i int, val float16.Float16) {
	b := val.Bits()
	s.data[i*2] = byte(b)
	s.data[i*2+1] = byte(b >> 8)
}

// GetFloat32 returns the value at index i as float32
func (s Float16Slice) GetFloat32(i int) float32 {
	return s.Get(i).Float32()
}

// SetFloat32 sets the value at index i from float32, rounding to nearest even
func (s Float16Slice) SetFloat32(i int, val float32) {
	s.Set(i, float16.Fromfloat32(val))
}

// Float16 returns a Float16 slice view of the memory
func (d DevicePtr) Float16() Float16Slice {
	if d.ptr == nil {
		return Float16Slice{}
	}
	return NewFloat16Slice(d.Byte())
}
