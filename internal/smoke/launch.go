package smoke

import (
	"github.com/LynnColeArt/gudart"
)

// setOne writes 1.0 to its single output location
func setOne(tid gudart.ThreadID, args ...interface{}) {
	if tid.Global() == 0 {
		args[0].(gudart.DevicePtr).Float32()[0] = 1.0
	}
}

// extendedLaunch queries the static attributes of a kernel and launches it
// through the extended entry point with default stream and no events.
func extendedLaunch(e *Env) error {
	return launchExpectingOne(e, setOne)
}

// launchExpectingOne runs kernel through LaunchKernelEx and fails with a
// result mismatch unless it wrote exactly 1.0.
func launchExpectingOne(e *Env, kernel gudart.KernelFunc) error {
	e.Out.Banner("extended kernel launch")
	if err := e.selectDevice(); err != nil {
		return err
	}

	f, err := result(e, "RegisterFunction", func() (*gudart.Function, error) {
		return e.RT.RegisterFunction("setOne", kernel)
	})
	if err != nil {
		return err
	}
	attrs, err := result(e, "FuncGetAttributes", func() (gudart.FuncAttributes, error) {
		return e.RT.FuncGetAttributes(f)
	})
	if err != nil {
		return err
	}
	e.Out.Printf("%s: max %d threads per block, %s static shared memory, %d registers",
		f.Name(), attrs.MaxThreadsPerBlock, bytesOf(attrs.SharedSizeBytes), attrs.NumRegs)
	e.Out.Dump("attributes", attrs)

	d, err := result(e, "Malloc", func() (gudart.DevicePtr, error) {
		return e.RT.Malloc(4)
	})
	if err != nil {
		return err
	}
	e.hold("allocation", "Free", func() error { return e.RT.Free(d) })

	cfg := gudart.LaunchConfig{
		Grid:  gudart.Dim3{X: 1},
		Block: gudart.Dim3{X: 1},
	}
	if err := e.ok("LaunchKernelEx", e.RT.LaunchKernelEx(cfg, f, d)); err != nil {
		return err
	}
	if err := e.ok("DeviceSynchronize", e.RT.DeviceSynchronize()); err != nil {
		return err
	}

	out := make([]float32, 1)
	if err := e.ok("Memcpy", e.RT.Memcpy(out, d, 4, gudart.MemcpyDeviceToHost)); err != nil {
		return err
	}
	if err := e.expect("LaunchKernelEx", out[0] == 1.0, func() error {
		return mismatch("kernel output", float32(1.0), out[0])
	}); err != nil {
		return err
	}
	e.Out.Printf("kernel wrote %g", out[0])

	return e.release("allocation")
}
