package smoke

import (
	"fmt"

	"github.com/LynnColeArt/gudart"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
)

const memoryCheckBytes = 1 << 20

// memoryPeer allocates device and managed memory, zero-fills the device
// allocation, inspects its address range and, on systems with two or more
// devices, queries peer accessibility between devices 0 and 1.
func memoryPeer(e *Env) error {
	e.Out.Banner("memory & peer access")
	if err := e.selectDevice(); err != nil {
		return err
	}

	d, err := result(e, "Malloc", func() (gudart.DevicePtr, error) {
		return e.RT.Malloc(memoryCheckBytes)
	})
	if err != nil {
		return err
	}
	e.hold("device allocation", "Free", func() error { return e.RT.Free(d) })

	managed, err := result(e, "MallocManaged", func() (gudart.DevicePtr, error) {
		return e.RT.MallocManaged(memoryCheckBytes, gudart.MemAttachGlobal)
	})
	if err != nil {
		return err
	}
	e.hold("managed allocation", "Free", func() error { return e.RT.Free(managed) })
	e.Out.Printf("allocated %s device and %s managed memory", bytesOf(memoryCheckBytes), bytesOf(memoryCheckBytes))

	// Dirty the allocation first so the zero-fill is observable
	if err := e.ok("Memset", e.RT.Memset(d, 0xFF, memoryCheckBytes)); err != nil {
		return err
	}
	if err := e.ok("Memset", e.RT.Memset(d, 0, memoryCheckBytes)); err != nil {
		return err
	}
	readback := make([]byte, memoryCheckBytes)
	if err := e.ok("Memcpy", e.RT.Memcpy(readback, d, memoryCheckBytes, gudart.MemcpyDeviceToHost)); err != nil {
		return err
	}
	for i, b := range readback {
		if b != 0 {
			return e.expect("Memset", false, func() error { return mismatch(fmt.Sprintf("byte %d", i), 0, b) })
		}
	}

	base, size, err := e.addressRange(d.Offset(memoryCheckBytes / 2))
	if err != nil {
		return err
	}
	if err := e.expect("MemGetAddressRange", base.Contains(d) && size >= memoryCheckBytes, func() error {
		return kv.NewError("address range does not contain the allocation").With("size", size)
	}); err != nil {
		return err
	}
	e.Out.Printf("address range base %p size %s", base.Pointer(), bytesOf(size))

	free, total, err := e.memInfo()
	if err != nil {
		return err
	}
	e.Out.Printf("%s of %s free on device %d", bytesOf(int(free)), bytesOf(int(total)), e.Device)

	n, err := result(e, "DeviceCount", e.RT.DeviceCount)
	if err != nil {
		return err
	}
	if n < 2 {
		e.Out.Printf("peer access check skipped, %d device", n)
	} else {
		can, err := result(e, "DeviceCanAccessPeer", func() (bool, error) {
			return e.RT.DeviceCanAccessPeer(0, 1)
		})
		if err != nil {
			return err
		}
		e.Out.Printf("device 0 can access device 1: %s", yesNo(can))
	}

	if err := e.release("managed allocation"); err != nil {
		return err
	}
	return e.release("device allocation")
}

func (e *Env) addressRange(p gudart.DevicePtr) (gudart.DevicePtr, int, error) {
	base, size, err := e.RT.MemGetAddressRange(p)
	if err != nil {
		return base, size, e.fail(KindRuntimeStatus, "MemGetAddressRange", stack.Caller(1), err)
	}
	return base, size, nil
}

func (e *Env) memInfo() (free, total uint64, err error) {
	free, total, err = e.RT.MemGetInfo()
	if err != nil {
		return free, total, e.fail(KindRuntimeStatus, "MemGetInfo", stack.Caller(1), err)
	}
	return free, total, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
