package smoke

import (
	"github.com/LynnColeArt/gudart"
)

// pointerEvents queries the memory type of a device pointer, then creates
// and destroys one default and one blocking-sync event. The events are never
// recorded.
func pointerEvents(e *Env) error {
	e.Out.Banner("pointer attributes & events")
	if err := e.selectDevice(); err != nil {
		return err
	}

	d, err := result(e, "Malloc", func() (gudart.DevicePtr, error) {
		return e.RT.Malloc(256)
	})
	if err != nil {
		return err
	}
	e.hold("allocation", "Free", func() error { return e.RT.Free(d) })

	attrs, err := result(e, "PointerGetAttributes", func() (gudart.PointerAttributes, error) {
		return e.RT.PointerGetAttributes(d)
	})
	if err != nil {
		return err
	}
	if err := e.expect("PointerGetAttributes", attrs.Type == gudart.MemoryTypeDevice, func() error {
		return mismatch("memory type", gudart.MemoryTypeDevice.String(), attrs.Type.String())
	}); err != nil {
		return err
	}
	e.Out.Printf("pointer %p is %s memory on device %d", d.Pointer(), attrs.Type, attrs.Device)

	for _, variant := range []struct {
		name  string
		flags gudart.EventFlags
	}{
		{"default", gudart.EventDefault},
		{"blocking-sync", gudart.EventBlockingSync},
	} {
		ev, err := result(e, "EventCreateWithFlags", func() (*gudart.Event, error) {
			return e.RT.EventCreateWithFlags(variant.flags)
		})
		if err != nil {
			return err
		}
		e.hold("event", "EventDestroy", func() error { return e.RT.EventDestroy(ev) })
		if err := e.release("event"); err != nil {
			return err
		}
		e.Out.Printf("%s event created and destroyed", variant.name)
	}

	return e.release("allocation")
}
