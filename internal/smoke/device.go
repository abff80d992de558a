package smoke

import (
	"fmt"
	"strings"

	"github.com/LynnColeArt/gudart"
	"github.com/jjeffery/kv"
)

// deviceInfo enumerates the devices and queries the properties, the PCI bus
// id through both query paths, and the driver and runtime versions.
func deviceInfo(e *Env) error {
	e.Out.Banner("device & runtime info")

	n, err := result(e, "DeviceCount", e.RT.DeviceCount)
	if err != nil {
		return err
	}
	e.Out.Printf("%d device(s)", n)

	for i := 0; i < n; i++ {
		props, err := result(e, "DeviceProperties", func() (gudart.Device, error) {
			return e.RT.DeviceProperties(i)
		})
		if err != nil {
			return err
		}
		if err := e.expect("DeviceProperties", props.Name != "", func() error {
			return kv.NewError("empty device name").With("device", i)
		}); err != nil {
			return err
		}

		busAttr, err := result(e, "DeviceAttribute", func() (int, error) {
			return e.RT.DeviceAttribute(gudart.AttrPCIBusID, i)
		})
		if err != nil {
			return err
		}
		busID, err := result(e, "DevicePCIBusID", func() (string, error) {
			return e.RT.DevicePCIBusID(i)
		})
		if err != nil {
			return err
		}

		e.Out.Printf("device %d: %s", i, props.Name)
		e.Out.Printf("  uuid %s, compute capability %d.%d, %d multiprocessors, %s",
			props.UUID, props.Major, props.Minor, props.NumCores, bytesOf(int(props.TotalMem)))
		e.Out.Printf("  pci bus %d, bus id %s", busAttr, busID)
		if len(props.Features) > 0 {
			e.Out.Printf("  host features %s", strings.Join(props.Features, " "))
		}
		e.Out.Dump("properties", props)
	}

	driver, err := result(e, "DriverVersion", e.RT.DriverVersion)
	if err != nil {
		return err
	}
	runtime, err := result(e, "RuntimeVersion", e.RT.RuntimeVersion)
	if err != nil {
		return err
	}
	e.Out.Printf("driver version %s, runtime version %s", apiVersion(driver), apiVersion(runtime))
	return nil
}

// apiVersion formats an API level encoded as 1000*major + 10*minor
func apiVersion(v int) string {
	return fmt.Sprintf("%d.%d", v/1000, (v%1000)/10)
}
