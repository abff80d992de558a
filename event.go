package gudart

import (
	"runtime"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// EventFlags are passed to EventCreateWithFlags
type EventFlags uint32

const (
	EventDefault       EventFlags = 0
	EventBlockingSync  EventFlags = 1 // EventSynchronize parks instead of spinning
	EventDisableTiming EventFlags = 2 // No timestamp, EventElapsedTime is rejected
	EventInterprocess  EventFlags = 4 // Requires EventDisableTiming
)

// Event is a completion marker recorded on a stream. It is complete once all
// work enqueued on that stream before the record has finished.
type Event struct {
	ctx   *Context
	flags EventFlags

	mu        sync.Mutex
	rec       *eventRecord
	destroyed bool
}

// eventRecord is one record of an event. done is closed by the stream worker
// after at is written. A record taken while the stream was capturing has no
// done channel, it names the capture graph and the nodes recorded instead.
type eventRecord struct {
	done chan struct{}
	at   time.Time

	graph *Graph
	nodes []*GraphNode
}

func (r *eventRecord) captured() bool {
	return r.graph != nil
}

// completion returns the done channel of the latest record of e, nil if e
// was never recorded. Records taken during capture cannot be observed from
// the host.
func (e *Event) completion(op string) (<-chan struct{}, error) {
	rec, err := e.snapshot(op)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.captured() {
		return nil, newError(op, ErrorCapturedEvent, "event was recorded in a capture")
	}
	return rec.done, nil
}

// Flags returns the flags the event was created with
func (e *Event) Flags() EventFlags {
	return e.flags
}

// snapshot returns the latest record of e, nil if it was never recorded
func (e *Event) snapshot(op string) (*eventRecord, error) {
	if e == nil {
		return nil, newError(op, ErrorInvalidResourceHandle, "nil event")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, newError(op, ErrorInvalidResourceHandle, "event destroyed")
	}
	return e.rec, nil
}

// EventCreate creates an event with default flags
func (ctx *Context) EventCreate() (*Event, error) {
	return ctx.EventCreateWithFlags(EventDefault)
}

// EventCreateWithFlags creates an event
func (ctx *Context) EventCreateWithFlags(flags EventFlags) (*Event, error) {
	if err := ctx.enter("EventCreate"); err != nil {
		return nil, err
	}
	if flags&^(EventBlockingSync|EventDisableTiming|EventInterprocess) != 0 {
		return nil, newError("EventCreate", ErrorInvalidValue, "unknown flags %#x", uint32(flags))
	}
	if flags&EventInterprocess != 0 && flags&EventDisableTiming == 0 {
		return nil, newError("EventCreate", ErrorInvalidValue, "interprocess events must disable timing")
	}
	klog.V(2).Infof("gudart: event created with flags %#x", uint32(flags))
	return &Event{ctx: ctx, flags: flags}, nil
}

// EventRecord captures the current tail of s into e. Later queries and waits
// observe this record. While s is capturing, the record names the last
// captured nodes and only StreamWaitEvent in the same capture may use it.
func (ctx *Context) EventRecord(e *Event, s *Stream) error {
	s, err := ctx.resolveStream("EventRecord", s)
	if err != nil {
		return err
	}
	if _, err := e.snapshot("EventRecord"); err != nil {
		return err
	}
	if rec, err := s.recordCapture("EventRecord"); err != nil || rec != nil {
		if rec != nil {
			e.mu.Lock()
			e.rec = rec
			e.mu.Unlock()
		}
		return err
	}

	rec := &eventRecord{done: make(chan struct{})}
	e.mu.Lock()
	e.rec = rec
	e.mu.Unlock()

	timed := e.flags&EventDisableTiming == 0
	return s.enqueue("EventRecord", NodeEmpty, func() error {
		if timed {
			rec.at = time.Now()
		}
		close(rec.done)
		return nil
	})
}

// EventQuery returns nil when the latest record of e has completed, or when e
// was never recorded, and a not-ready error otherwise.
func (ctx *Context) EventQuery(e *Event) error {
	if err := ctx.enter("EventQuery"); err != nil {
		return err
	}
	done, err := e.completion("EventQuery")
	if err != nil || done == nil {
		return err
	}
	select {
	case <-done:
		return nil
	default:
		return newError("EventQuery", ErrorNotReady, "event pending")
	}
}

// EventSynchronize blocks the host until the latest record of e completes.
// Events created with EventBlockingSync park the calling goroutine, others
// spin and yield.
func (ctx *Context) EventSynchronize(e *Event) error {
	if err := ctx.enter("EventSynchronize"); err != nil {
		return err
	}
	done, err := e.completion("EventSynchronize")
	if err != nil || done == nil {
		return err
	}
	if e.flags&EventBlockingSync != 0 {
		<-done
		return nil
	}
	for {
		select {
		case <-done:
			return nil
		default:
			runtime.Gosched()
		}
	}
}

// EventElapsedTime returns the milliseconds between the completion of two
// recorded events.
func (ctx *Context) EventElapsedTime(start, end *Event) (float32, error) {
	if err := ctx.enter("EventElapsedTime"); err != nil {
		return 0, err
	}
	var recs [2]*eventRecord
	for i, e := range []*Event{start, end} {
		rec, err := e.snapshot("EventElapsedTime")
		if err != nil {
			return 0, err
		}
		if e.flags&EventDisableTiming != 0 {
			return 0, newError("EventElapsedTime", ErrorInvalidResourceHandle, "event created with timing disabled")
		}
		if rec == nil {
			return 0, newError("EventElapsedTime", ErrorInvalidResourceHandle, "event never recorded")
		}
		if rec.captured() {
			return 0, newError("EventElapsedTime", ErrorCapturedEvent, "event was recorded in a capture")
		}
		select {
		case <-rec.done:
		default:
			return 0, newError("EventElapsedTime", ErrorNotReady, "event pending")
		}
		recs[i] = rec
	}
	return float32(recs[1].at.Sub(recs[0].at).Seconds() * 1000), nil
}

// EventDestroy releases e. Destroying an event with a pending record is
// allowed, the record still completes on its stream.
func (ctx *Context) EventDestroy(e *Event) error {
	if err := ctx.enter("EventDestroy"); err != nil {
		return err
	}
	if _, err := e.snapshot("EventDestroy"); err != nil {
		return err
	}
	e.mu.Lock()
	e.destroyed = true
	e.mu.Unlock()
	klog.V(2).Infof("gudart: event destroyed")
	return nil
}
