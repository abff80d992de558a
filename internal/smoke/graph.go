package smoke

import (
	"sync/atomic"

	"github.com/LynnColeArt/gudart"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv"
)

const (
	graphCheckBytes = 4096
	graphFill       = 0x5A
)

// graphCapture records a memset on a stream into a graph, appends a host
// callback that depends on every captured node, then instantiates and
// launches the graph and checks the callback ran once, after the memset.
func graphCapture(e *Env) error {
	e.Out.Banner("graph capture & extension")
	if err := e.selectDevice(); err != nil {
		return err
	}

	s, err := result(e, "StreamCreate", e.RT.StreamCreate)
	if err != nil {
		return err
	}
	e.hold("stream", "StreamDestroy", func() error { return e.RT.StreamDestroy(s) })

	// Allocation is prohibited while capturing, so it comes first
	d, err := result(e, "Malloc", func() (gudart.DevicePtr, error) {
		return e.RT.Malloc(graphCheckBytes)
	})
	if err != nil {
		return err
	}
	e.hold("allocation", "Free", func() error { return e.RT.Free(d) })

	if err := e.ok("StreamBeginCapture", e.RT.StreamBeginCapture(s, gudart.CaptureModeGlobal)); err != nil {
		return err
	}
	e.hold("capture", "StreamEndCapture", func() error {
		_, err := e.RT.StreamEndCapture(s)
		if gudart.StatusOf(err) == gudart.ErrorCaptureInvalidated {
			return nil
		}
		return err
	})

	if err := e.ok("MemsetAsync", e.RT.MemsetAsync(d, graphFill, graphCheckBytes, s)); err != nil {
		return err
	}

	g, err := e.RT.StreamEndCapture(s)
	e.drop("capture")
	if err != nil {
		return e.fail(KindCaptureEnd, "StreamEndCapture", stack.Caller(0), err)
	}
	e.hold("graph", "GraphDestroy", func() error { return e.RT.GraphDestroy(g) })

	nodes, err := result(e, "GraphGetNodes", func() ([]*gudart.GraphNode, error) {
		return e.RT.GraphGetNodes(g)
	})
	if err != nil {
		return err
	}
	if err := e.expect("GraphGetNodes", len(nodes) == 1, func() error {
		return mismatch("captured node count", 1, len(nodes))
	}); err != nil {
		return err
	}
	e.Out.Printf("captured %d node(s), first is a %s node", len(nodes), nodes[0].Type())

	var (
		calls     atomic.Int32
		sawMemset atomic.Bool
	)
	_, err = result(e, "GraphAddHostNode", func() (*gudart.GraphNode, error) {
		return e.RT.GraphAddHostNode(g, nodes, gudart.HostNodeParams{
			Fn: func(userData interface{}) {
				calls.Add(1)
				b := userData.(gudart.DevicePtr).Byte()
				sawMemset.Store(b[0] == graphFill && b[len(b)-1] == graphFill)
			},
			UserData: d,
		})
	})
	if err != nil {
		return err
	}

	exec, err := result(e, "GraphInstantiate", func() (*gudart.GraphExec, error) {
		return e.RT.GraphInstantiate(g)
	})
	if err != nil {
		return err
	}
	e.hold("graph exec", "GraphExecDestroy", func() error { return e.RT.GraphExecDestroy(exec) })

	if err := e.ok("GraphLaunch", e.RT.GraphLaunch(exec, s)); err != nil {
		return err
	}
	if err := e.ok("StreamSynchronize", e.RT.StreamSynchronize(s)); err != nil {
		return err
	}

	if err := e.expect("HostFunc", calls.Load() == 1, func() error {
		return mismatch("host callback invocations", 1, calls.Load())
	}); err != nil {
		return err
	}
	if err := e.expect("HostFunc", sawMemset.Load(), func() error {
		return kv.NewError("host callback ran before the captured memset completed")
	}); err != nil {
		return err
	}
	e.Out.Printf("graph of %d node(s) launched, host callback ran after the memset", exec.NumNodes())

	for _, what := range []string{"graph exec", "graph", "stream", "allocation"} {
		if err := e.release(what); err != nil {
			return err
		}
	}
	return nil
}
