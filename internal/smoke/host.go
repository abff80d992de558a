package smoke

import (
	"github.com/LynnColeArt/gudart"
)

const pinnedElements = 1 << 18

// hostPinned allocates page-locked host memory, fills it from the host and
// releases it. No device work is involved.
func hostPinned(e *Env) error {
	e.Out.Banner("host pinned memory")

	h, err := result(e, "HostAlloc", func() (gudart.DevicePtr, error) {
		return e.RT.HostAlloc(pinnedElements*4, gudart.HostAllocDefault)
	})
	if err != nil {
		return err
	}
	e.hold("host allocation", "FreeHost", func() error { return e.RT.FreeHost(h) })

	values := h.Float32()
	for i := range values {
		values[i] = float32(i)
	}

	attrs, err := result(e, "PointerGetAttributes", func() (gudart.PointerAttributes, error) {
		return e.RT.PointerGetAttributes(h)
	})
	if err != nil {
		return err
	}
	locked := "pageable"
	if attrs.Locked {
		locked = "page-locked"
	}
	e.Out.Printf("filled %s of %s %s memory", bytesOf(h.Size()), locked, attrs.Type)

	return e.release("host allocation")
}
