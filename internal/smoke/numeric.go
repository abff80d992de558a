package smoke

import (
	"github.com/LynnColeArt/gudart"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

const numericInput = 1.5

// bf16AddOne widens the single bfloat16 argument, adds one and narrows back
func bf16AddOne(tid gudart.ThreadID, args ...interface{}) {
	if tid.Global() != 0 {
		return
	}
	v := args[0].(gudart.DevicePtr).BFloat16()
	v.SetFloat32(0, v.GetFloat32(0)+1)
}

// f16AddOne is bf16AddOne for IEEE half precision
func f16AddOne(tid gudart.ThreadID, args ...interface{}) {
	if tid.Global() != 0 {
		return
	}
	v := args[0].(gudart.DevicePtr).Float16()
	v.SetFloat32(0, v.GetFloat32(0)+1)
}

// reducedPrecision round trips a bfloat16 value through a kernel that adds
// one in full precision, then does the same for an IEEE half value.
func reducedPrecision(e *Env) error {
	e.Out.Banner("bfloat16 conversion")
	if err := e.selectDevice(); err != nil {
		return err
	}

	d, err := result(e, "Malloc", func() (gudart.DevicePtr, error) {
		return e.RT.Malloc(2)
	})
	if err != nil {
		return err
	}
	e.hold("allocation", "Free", func() error { return e.RT.Free(d) })

	bf, err := result(e, "RegisterFunction", func() (*gudart.Function, error) {
		return e.RT.RegisterFunction("bf16AddOne", bf16AddOne)
	})
	if err != nil {
		return err
	}
	in := []bfloat16.BFloat16{gudart.BFloat16FromFloat32(numericInput)}
	out := make([]bfloat16.BFloat16, 1)
	if err := e.addOne(bf, d, in, out); err != nil {
		return err
	}
	if err := e.checkAddOne("bfloat16", in[0].Float32(), out[0].Float32(), gudart.BFloat16Tolerance()); err != nil {
		return err
	}

	hf, err := result(e, "RegisterFunction", func() (*gudart.Function, error) {
		return e.RT.RegisterFunction("f16AddOne", f16AddOne)
	})
	if err != nil {
		return err
	}
	hin := []float16.Float16{float16.Fromfloat32(numericInput)}
	hout := make([]float16.Float16, 1)
	if err := e.addOne(hf, d, hin, hout); err != nil {
		return err
	}
	if err := e.checkAddOne("float16", hin[0].Float32(), hout[0].Float32(), gudart.Float16Tolerance()); err != nil {
		return err
	}

	return e.release("allocation")
}

// addOne copies in to d, runs f on a single thread and copies d to out
func (e *Env) addOne(f *gudart.Function, d gudart.DevicePtr, in, out interface{}) error {
	if err := e.ok("Memcpy", e.RT.Memcpy(d, in, 2, gudart.MemcpyHostToDevice)); err != nil {
		return err
	}
	one := gudart.Dim3{X: 1}
	if err := e.ok("LaunchKernel", e.RT.LaunchKernel(f, one, one, 0, nil, d)); err != nil {
		return err
	}
	if err := e.ok("DeviceSynchronize", e.RT.DeviceSynchronize()); err != nil {
		return err
	}
	return e.ok("Memcpy", e.RT.Memcpy(out, d, 2, gudart.MemcpyDeviceToHost))
}

func (e *Env) checkAddOne(format string, in, got float32, tol gudart.ToleranceConfig) error {
	e.Out.Printf("%s: %g + 1.0 = %g", format, in, got)
	if err := e.expect(format, got != in, func() error {
		return mismatch(format+" result", "a value distinct from the input", got)
	}); err != nil {
		return err
	}
	return e.expect(format, gudart.Float32NearEqual(in+1, got, tol), func() error {
		return mismatch(format+" result", in+1, got)
	})
}
