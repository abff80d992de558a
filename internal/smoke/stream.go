package smoke

import (
	"github.com/LynnColeArt/gudart"
)

const asyncElements = 1 << 16

// asyncStream enqueues a copy, records an event behind it, makes the stream
// wait on that event, polls the stream once and then blocks on it. Both
// polling outcomes are valid.
func asyncStream(e *Env) error {
	e.Out.Banner("asynchronous stream operations")
	if err := e.selectDevice(); err != nil {
		return err
	}

	s, err := result(e, "StreamCreate", e.RT.StreamCreate)
	if err != nil {
		return err
	}
	e.hold("stream", "StreamDestroy", func() error { return e.RT.StreamDestroy(s) })

	d, err := result(e, "Malloc", func() (gudart.DevicePtr, error) {
		return e.RT.Malloc(asyncElements * 4)
	})
	if err != nil {
		return err
	}
	e.hold("allocation", "Free", func() error { return e.RT.Free(d) })

	ev, err := result(e, "EventCreate", e.RT.EventCreate)
	if err != nil {
		return err
	}
	e.hold("event", "EventDestroy", func() error { return e.RT.EventDestroy(ev) })

	host := make([]float32, asyncElements)
	for i := range host {
		host[i] = float32(i)
	}
	if err := e.ok("MemcpyAsync", e.RT.MemcpyAsync(d, host, asyncElements*4, gudart.MemcpyHostToDevice, s)); err != nil {
		return err
	}
	if err := e.ok("EventRecord", e.RT.EventRecord(ev, s)); err != nil {
		return err
	}
	if err := e.ok("StreamWaitEvent", e.RT.StreamWaitEvent(s, ev, 0)); err != nil {
		return err
	}

	switch err := e.RT.StreamQuery(s); {
	case err == nil:
		e.Out.Printf("stream query: complete")
	case gudart.IsNotReady(err):
		e.Out.Printf("stream query: not ready")
	default:
		return e.ok("StreamQuery", err)
	}

	if err := e.ok("StreamSynchronize", e.RT.StreamSynchronize(s)); err != nil {
		return err
	}
	e.Out.Printf("copied %s asynchronously", bytesOf(asyncElements*4))

	for _, what := range []string{"event", "stream", "allocation"} {
		if err := e.release(what); err != nil {
			return err
		}
	}
	return nil
}
