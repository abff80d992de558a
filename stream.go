package gudart

import (
	"sync"

	"k8s.io/klog/v2"
)

// StreamFlags are passed to StreamCreateWithFlags
type StreamFlags uint32

const (
	StreamDefault     StreamFlags = 0
	StreamNonBlocking StreamFlags = 1 // Does not synchronize with the default stream
)

// CaptureMode controls which API calls are prohibited while a stream captures
type CaptureMode int

const (
	// CaptureModeGlobal prohibits unsafe calls from any goroutine
	CaptureModeGlobal CaptureMode = iota
	// CaptureModeThreadLocal prohibits unsafe calls. Goroutines carry no
	// identity, so it behaves like CaptureModeGlobal.
	CaptureModeThreadLocal
	// CaptureModeRelaxed permits unsafe calls during capture
	CaptureModeRelaxed
)

// CaptureStatus reports the capture state of a stream
type CaptureStatus int

const (
	CaptureStatusNone CaptureStatus = iota
	CaptureStatusActive
	CaptureStatusInvalidated
)

func (c CaptureStatus) String() string {
	switch c {
	case CaptureStatusNone:
		return "none"
	case CaptureStatusActive:
		return "active"
	case CaptureStatusInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Stream represents an ordered sequence of operations that execute
// asynchronously. Operations within a stream execute in order, but
// operations in different streams may execute concurrently.
type Stream struct {
	id     int
	ctx    *Context
	device int
	flags  StreamFlags
	tasks  chan func() error
	done   chan struct{}

	mu        sync.Mutex
	idle      *sync.Cond // signalled when pending drops to zero
	pending   int
	err       error // first asynchronous failure since the last wait
	capture   *captureState
	destroyed bool
}

type captureState struct {
	mode        CaptureMode
	graph       *Graph
	tail        []*GraphNode
	invalidated bool
}

func (ctx *Context) newStream(device int, flags StreamFlags) *Stream {
	s := &Stream{
		id:     ctx.nextStreamID(),
		ctx:    ctx,
		device: device,
		flags:  flags,
		tasks:  make(chan func() error, StreamQueueDepth),
		done:   make(chan struct{}),
	}
	s.idle = sync.NewCond(&s.mu)

	// Start worker goroutine for stream
	go s.worker()

	ctx.mu.Lock()
	ctx.streams[s.id] = s
	ctx.mu.Unlock()
	return s
}

// ID returns the stream identifier
func (s *Stream) ID() int {
	return s.id
}

// worker processes tasks for a stream
func (s *Stream) worker() {
	for task := range s.tasks {
		err := task()

		s.mu.Lock()
		if err != nil && s.err == nil {
			s.err = err
		}
		s.pending--
		if s.pending == 0 {
			s.idle.Broadcast()
		}
		s.mu.Unlock()
	}
	close(s.done)
}

// enqueue submits task to the worker, or records it as a graph node while the
// stream is capturing.
func (s *Stream) enqueue(op string, kind NodeType, task func() error) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return newError(op, ErrorInvalidResourceHandle, "stream %d destroyed", s.id)
	}
	if c := s.capture; c != nil {
		defer s.mu.Unlock()
		if c.invalidated {
			return newError(op, ErrorCaptureInvalidated, "stream %d", s.id)
		}
		node := c.graph.addNode(kind, op, c.tail, task)
		c.tail = []*GraphNode{node}
		klog.V(3).Infof("gudart: captured %s as node %d on stream %d", op, node.id, s.id)
		return nil
	}
	s.pending++
	s.mu.Unlock()

	s.tasks <- task
	return nil
}

// wait blocks until the stream drains and returns the first asynchronous
// failure recorded since the previous wait.
func (s *Stream) wait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.idle.Wait()
	}
	err := s.err
	s.err = nil
	return err
}

// idleNow reports whether all submitted work has completed
func (s *Stream) idleNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending == 0
}

// stop drains the stream and terminates its worker
func (s *Stream) stop() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	if err := s.wait(); err != nil {
		klog.Warningf("gudart: stream %d stopped with pending failure: %v", s.id, err)
	}
	close(s.tasks)
	<-s.done
}

func (s *Stream) isCapturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture != nil
}

func (s *Stream) invalidateCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		s.capture.invalidated = true
	}
}

// illegalDuringCapture invalidates the capture of s and returns the
// capture-unsupported error, or nil when s is not capturing.
func (s *Stream) illegalDuringCapture(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture == nil {
		return nil
	}
	s.capture.invalidated = true
	return newError(op, ErrorCaptureUnsupported, "stream %d is capturing", s.id)
}

// recordCapture returns a record holding the current capture tail of s, or
// nil when s is not capturing. Recording during capture adds no node.
func (s *Stream) recordCapture(op string) (*eventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.capture
	if c == nil {
		return nil, nil
	}
	if c.invalidated {
		return nil, newError(op, ErrorCaptureInvalidated, "stream %d", s.id)
	}
	return &eventRecord{graph: c.graph, nodes: append([]*GraphNode(nil), c.tail...)}, nil
}

// joinCapture makes the work captured on s from now on depend on the nodes
// of a record taken in the same capture. It returns false when the wait is
// an ordinary one that enqueue handles.
func (s *Stream) joinCapture(op string, rec *eventRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.capture
	switch {
	case !rec.captured():
		return false, nil
	case c == nil:
		return true, newError(op, ErrorCapturedEvent, "stream %d is not capturing", s.id)
	case c.invalidated:
		return true, newError(op, ErrorCaptureInvalidated, "stream %d", s.id)
	case rec.graph != c.graph:
		c.invalidated = true
		return true, newError(op, ErrorCaptureIsolation, "event was recorded in another capture")
	}
	for _, n := range rec.nodes {
		if !containsNode(c.tail, n) {
			c.tail = append(c.tail, n)
		}
	}
	return true, nil
}

func containsNode(nodes []*GraphNode, n *GraphNode) bool {
	for _, m := range nodes {
		if m == n {
			return true
		}
	}
	return false
}

// resolveStream maps nil to the default stream and validates the handle
func (ctx *Context) resolveStream(op string, s *Stream) (*Stream, error) {
	if err := ctx.enter(op); err != nil {
		return nil, err
	}
	if s == nil {
		return ctx.defaultStream, nil
	}
	if s.ctx != ctx {
		return nil, newError(op, ErrorInvalidResourceHandle, "stream belongs to another context")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil, newError(op, ErrorInvalidResourceHandle, "stream %d destroyed", s.id)
	}
	return s, nil
}

// StreamCreate creates a new execution stream on the current device
func (ctx *Context) StreamCreate() (*Stream, error) {
	return ctx.StreamCreateWithFlags(StreamDefault)
}

// StreamCreateWithFlags creates a new execution stream on the current device
func (ctx *Context) StreamCreateWithFlags(flags StreamFlags) (*Stream, error) {
	if err := ctx.enter("StreamCreate"); err != nil {
		return nil, err
	}
	if flags&^StreamNonBlocking != 0 {
		return nil, newError("StreamCreate", ErrorInvalidValue, "unknown flags %#x", uint32(flags))
	}
	s := ctx.newStream(ctx.currentDevice(), flags)
	klog.V(2).Infof("gudart: stream %d created on device %d", s.id, s.device)
	return s, nil
}

// StreamDestroy waits for the work queued on s, then releases it. An active
// capture on s is abandoned.
func (ctx *Context) StreamDestroy(s *Stream) error {
	if s == nil || s == ctx.defaultStream {
		return newError("StreamDestroy", ErrorInvalidResourceHandle, "the default stream cannot be destroyed")
	}
	s, err := ctx.resolveStream("StreamDestroy", s)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.capture = nil
	s.mu.Unlock()

	ctx.mu.Lock()
	delete(ctx.capturing, s)
	delete(ctx.streams, s.id)
	ctx.mu.Unlock()

	s.stop()
	klog.V(2).Infof("gudart: stream %d destroyed", s.id)
	return nil
}

// StreamSynchronize waits for all work queued on s and returns the first
// asynchronous failure it recorded.
func (ctx *Context) StreamSynchronize(s *Stream) error {
	s, err := ctx.resolveStream("StreamSynchronize", s)
	if err != nil {
		return err
	}
	if err := s.illegalDuringCapture("StreamSynchronize"); err != nil {
		return err
	}
	return s.wait()
}

// StreamQuery polls s. It returns nil when all queued work has completed and
// a not-ready error otherwise.
func (ctx *Context) StreamQuery(s *Stream) error {
	s, err := ctx.resolveStream("StreamQuery", s)
	if err != nil {
		return err
	}
	if err := s.illegalDuringCapture("StreamQuery"); err != nil {
		return err
	}
	if !s.idleNow() {
		return newError("StreamQuery", ErrorNotReady, "stream %d", s.id)
	}
	return nil
}

// StreamWaitEvent makes all future work on s wait until the most recent
// record of e completes. Waiting on an event that was never recorded is a
// no-op. While s is capturing, an event recorded in the same capture adds
// the recorded nodes as dependencies of the next captured node.
func (ctx *Context) StreamWaitEvent(s *Stream, e *Event, flags uint32) error {
	s, err := ctx.resolveStream("StreamWaitEvent", s)
	if err != nil {
		return err
	}
	if flags != 0 {
		return newError("StreamWaitEvent", ErrorInvalidValue, "unknown flags %#x", flags)
	}
	rec, err := e.snapshot("StreamWaitEvent")
	if err != nil || rec == nil {
		return err
	}
	if joined, err := s.joinCapture("StreamWaitEvent", rec); joined || err != nil {
		return err
	}
	return s.enqueue("StreamWaitEvent", NodeEmpty, func() error {
		<-rec.done
		return nil
	})
}

// StreamBeginCapture starts recording the work issued on s into a new graph
// instead of executing it.
func (ctx *Context) StreamBeginCapture(s *Stream, mode CaptureMode) error {
	if s == nil || s == ctx.defaultStream {
		return newError("StreamBeginCapture", ErrorCaptureUnsupported, "the default stream cannot be captured")
	}
	s, err := ctx.resolveStream("StreamBeginCapture", s)
	if err != nil {
		return err
	}
	if mode < CaptureModeGlobal || mode > CaptureModeRelaxed {
		return newError("StreamBeginCapture", ErrorInvalidValue, "unknown capture mode %d", mode)
	}

	s.mu.Lock()
	if s.capture != nil {
		s.mu.Unlock()
		return newError("StreamBeginCapture", ErrorInvalidValue, "stream %d is already capturing", s.id)
	}
	s.capture = &captureState{mode: mode, graph: newGraph()}
	s.mu.Unlock()

	if mode != CaptureModeRelaxed {
		ctx.mu.Lock()
		ctx.capturing[s] = struct{}{}
		ctx.mu.Unlock()
	}
	klog.V(2).Infof("gudart: stream %d capture started", s.id)
	return nil
}

// StreamEndCapture ends the capture on s and returns the recorded graph.
// A capture invalidated by a prohibited call yields no graph.
func (ctx *Context) StreamEndCapture(s *Stream) (*Graph, error) {
	s, err := ctx.resolveStream("StreamEndCapture", s)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	c := s.capture
	s.capture = nil
	s.mu.Unlock()
	if c == nil {
		return nil, newError("StreamEndCapture", ErrorCaptureUnmatched, "stream %d", s.id)
	}

	ctx.mu.Lock()
	delete(ctx.capturing, s)
	ctx.mu.Unlock()

	if c.invalidated {
		return nil, newError("StreamEndCapture", ErrorCaptureInvalidated, "stream %d", s.id)
	}
	klog.V(2).Infof("gudart: stream %d capture ended with %d node(s)", s.id, c.graph.NumNodes())
	return c.graph, nil
}

// StreamIsCapturing returns the capture status of s
func (ctx *Context) StreamIsCapturing(s *Stream) (CaptureStatus, error) {
	s, err := ctx.resolveStream("StreamIsCapturing", s)
	if err != nil {
		return CaptureStatusNone, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.capture == nil:
		return CaptureStatusNone, nil
	case s.capture.invalidated:
		return CaptureStatusInvalidated, nil
	default:
		return CaptureStatusActive, nil
	}
}
