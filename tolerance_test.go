package gudart

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloat32NearEqual(t *testing.T) {
	ulpOnly := ToleranceConfig{ULPTol: 4}

	tests := []struct {
		name     string
		a, b     float32
		tol      ToleranceConfig
		expected bool
	}{
		{name: "Exact_Equal", a: 1.0, b: 1.0, tol: DefaultTolerance(), expected: true},
		{name: "Within_AbsTol", a: 1e-8, b: 2e-8, tol: DefaultTolerance(), expected: true},
		{name: "Outside_AbsTol", a: 1e-6, b: 2e-6, tol: DefaultTolerance(), expected: false},
		{name: "Within_RelTol", a: 1000.0, b: 1000.005, tol: DefaultTolerance(), expected: true},
		{name: "Both_Zero", a: 0.0, b: float32(math.Copysign(0, -1)), tol: DefaultTolerance(), expected: true},
		{name: "Both_NaN", a: float32(math.NaN()), b: float32(math.NaN()), tol: DefaultTolerance(), expected: true},
		{name: "NaN_Not_Checked", a: float32(math.NaN()), b: float32(math.NaN()), tol: ToleranceConfig{}, expected: false},
		{name: "Both_PosInf", a: float32(math.Inf(1)), b: float32(math.Inf(1)), tol: DefaultTolerance(), expected: true},
		{name: "Mixed_Inf", a: float32(math.Inf(1)), b: float32(math.Inf(-1)), tol: DefaultTolerance(), expected: false},
		{name: "Within_ULP", a: 1.0, b: math.Float32frombits(math.Float32bits(1.0) + 2), tol: ulpOnly, expected: true},
		{name: "Outside_ULP", a: 1.0, b: math.Float32frombits(math.Float32bits(1.0) + 5), tol: ulpOnly, expected: false},
		{name: "BFloat16_Step", a: 2.5, b: 2.5 + 1.0/64, tol: BFloat16Tolerance(), expected: true},
		{name: "BFloat16_Unchanged_Input", a: 2.5, b: 1.5, tol: BFloat16Tolerance(), expected: false},
		{name: "Float16_Step", a: 2.5, b: 2.5 + 1.0/512, tol: Float16Tolerance(), expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Float32NearEqual(tt.a, tt.b, tt.tol),
				"Float32NearEqual(%v, %v)", tt.a, tt.b)
		})
	}
}

func TestFloat32ULPDiff(t *testing.T) {
	tests := []struct {
		name     string
		a, b     float32
		expected int
	}{
		{name: "Same_Value", a: 1.0, b: 1.0, expected: 0},
		{name: "Adjacent_Values", a: 1.0, b: math.Float32frombits(math.Float32bits(1.0) + 1), expected: 1},
		{name: "Two_ULPs", a: math.Float32frombits(math.Float32bits(1.0) + 2), b: 1.0, expected: 2},
		{name: "Different_Signs", a: 1.0, b: -1.0, expected: math.MaxInt32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Float32ULPDiff(tt.a, tt.b))
		})
	}
}
