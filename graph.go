package gudart

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// NodeType identifies the operation a graph node performs
type NodeType int

const (
	NodeKernel NodeType = iota
	NodeMemcpy
	NodeMemset
	NodeHost
	NodeEmpty
	NodeGraph // Child graph launched into a capturing stream
)

func (t NodeType) String() string {
	switch t {
	case NodeKernel:
		return "kernel"
	case NodeMemcpy:
		return "memcpy"
	case NodeMemset:
		return "memset"
	case NodeHost:
		return "host"
	case NodeEmpty:
		return "empty"
	case NodeGraph:
		return "graph"
	default:
		return fmt.Sprintf("NodeType(%d)", int(t))
	}
}

// GraphNode is one operation of a graph and its predecessor edges
type GraphNode struct {
	id    int
	kind  NodeType
	label string
	graph *Graph
	deps  []*GraphNode
	run   func() error
}

// Type returns the operation kind of the node
func (n *GraphNode) Type() NodeType { return n.kind }

// Label names the operation that created the node
func (n *GraphNode) Label() string { return n.label }

// Dependencies returns the predecessors of the node
func (n *GraphNode) Dependencies() []*GraphNode {
	n.graph.mu.Lock()
	defer n.graph.mu.Unlock()
	return append([]*GraphNode(nil), n.deps...)
}

// Graph is a directed acyclic graph of operations, built by stream capture or
// by adding nodes explicitly. It must be instantiated before launch.
type Graph struct {
	mu        sync.Mutex
	nodes     []*GraphNode
	destroyed bool
}

// HostFunc is the callback of a host node
type HostFunc func(userData interface{})

// HostNodeParams describe a host node
type HostNodeParams struct {
	Fn       HostFunc
	UserData interface{}
}

// GraphExec is an executable snapshot of a graph. It stays valid after the
// graph it was instantiated from is destroyed.
type GraphExec struct {
	levels    [][]func() error
	numNodes  int
	mu        sync.Mutex
	destroyed bool
}

func newGraph() *Graph {
	return &Graph{}
}

func (g *Graph) addNode(kind NodeType, label string, deps []*GraphNode, run func() error) *GraphNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := &GraphNode{
		id:    len(g.nodes),
		kind:  kind,
		label: label,
		graph: g,
		deps:  append([]*GraphNode(nil), deps...),
		run:   run,
	}
	g.nodes = append(g.nodes, n)
	return n
}

// NumNodes returns the number of nodes in the graph
func (g *Graph) NumNodes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

func (g *Graph) check(op string) error {
	if g == nil {
		return newError(op, ErrorInvalidResourceHandle, "nil graph")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return newError(op, ErrorInvalidResourceHandle, "graph destroyed")
	}
	return nil
}

func (g *Graph) checkDeps(op string, deps []*GraphNode) error {
	for _, d := range deps {
		if d == nil || d.graph != g {
			return newError(op, ErrorInvalidValue, "dependency is not a node of this graph")
		}
	}
	return nil
}

// GraphCreate creates an empty graph
func (ctx *Context) GraphCreate() (*Graph, error) {
	if err := ctx.enter("GraphCreate"); err != nil {
		return nil, err
	}
	return newGraph(), nil
}

// GraphGetNodes returns the nodes of g in creation order
func (ctx *Context) GraphGetNodes(g *Graph) ([]*GraphNode, error) {
	if err := ctx.enter("GraphGetNodes"); err != nil {
		return nil, err
	}
	if err := g.check("GraphGetNodes"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*GraphNode(nil), g.nodes...), nil
}

// GraphAddHostNode adds a node that calls params.Fn on the host once every
// node in deps has completed.
func (ctx *Context) GraphAddHostNode(g *Graph, deps []*GraphNode, params HostNodeParams) (*GraphNode, error) {
	if err := ctx.enter("GraphAddHostNode"); err != nil {
		return nil, err
	}
	if err := g.check("GraphAddHostNode"); err != nil {
		return nil, err
	}
	if params.Fn == nil {
		return nil, newError("GraphAddHostNode", ErrorInvalidValue, "nil host function")
	}
	if err := g.checkDeps("GraphAddHostNode", deps); err != nil {
		return nil, err
	}
	fn, data := params.Fn, params.UserData
	return g.addNode(NodeHost, "GraphAddHostNode", deps, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = newError("HostFunc", ErrorLaunchFailure, "host callback panicked: %v", r)
			}
		}()
		fn(data)
		return nil
	}), nil
}

// GraphAddEmptyNode adds a node that does nothing, useful to join
// dependencies.
func (ctx *Context) GraphAddEmptyNode(g *Graph, deps []*GraphNode) (*GraphNode, error) {
	if err := ctx.enter("GraphAddEmptyNode"); err != nil {
		return nil, err
	}
	if err := g.check("GraphAddEmptyNode"); err != nil {
		return nil, err
	}
	if err := g.checkDeps("GraphAddEmptyNode", deps); err != nil {
		return nil, err
	}
	return g.addNode(NodeEmpty, "GraphAddEmptyNode", deps, func() error { return nil }), nil
}

// GraphAddDependencies adds the edge from -> to. Edges that close a cycle are
// accepted here and rejected by GraphInstantiate.
func (ctx *Context) GraphAddDependencies(g *Graph, from, to *GraphNode) error {
	if err := ctx.enter("GraphAddDependencies"); err != nil {
		return err
	}
	if err := g.check("GraphAddDependencies"); err != nil {
		return err
	}
	if err := g.checkDeps("GraphAddDependencies", []*GraphNode{from, to}); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, d := range to.deps {
		if d == from {
			return newError("GraphAddDependencies", ErrorInvalidValue, "edge %d -> %d exists", from.id, to.id)
		}
	}
	to.deps = append(to.deps, from)
	return nil
}

// GraphInstantiate orders the nodes of g into dependency levels. Nodes of a
// level only depend on earlier levels and run concurrently at launch.
func (ctx *Context) GraphInstantiate(g *Graph) (*GraphExec, error) {
	if err := ctx.enter("GraphInstantiate"); err != nil {
		return nil, err
	}
	if err := g.check("GraphInstantiate"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	// Kahn's algorithm, one level at a time
	indegree := make(map[*GraphNode]int, len(g.nodes))
	succ := make(map[*GraphNode][]*GraphNode, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n] += 0
		for _, d := range n.deps {
			indegree[n]++
			succ[d] = append(succ[d], n)
		}
	}
	var ready []*GraphNode
	for _, n := range g.nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	exec := &GraphExec{numNodes: len(g.nodes)}
	visited := 0
	for len(ready) > 0 {
		level := make([]func() error, 0, len(ready))
		var next []*GraphNode
		for _, n := range ready {
			level = append(level, n.run)
			visited++
			for _, s := range succ[n] {
				indegree[s]--
				if indegree[s] == 0 {
					next = append(next, s)
				}
			}
		}
		exec.levels = append(exec.levels, level)
		ready = next
	}
	if visited != len(g.nodes) {
		return nil, newError("GraphInstantiate", ErrorInvalidValue, "graph contains a cycle")
	}
	klog.V(2).Infof("gudart: graph instantiated, %d node(s) in %d level(s)", exec.numNodes, len(exec.levels))
	return exec, nil
}

// NumNodes returns the number of nodes of the executable graph
func (x *GraphExec) NumNodes() int {
	return x.numNodes
}

// run executes every level, stopping at the first failing level
func (x *GraphExec) run() error {
	for _, level := range x.levels {
		if len(level) == 1 {
			if err := level[0](); err != nil {
				return err
			}
			continue
		}
		errs := make([]error, len(level))
		var wg sync.WaitGroup
		wg.Add(len(level))
		for i, fn := range level {
			go func(i int, fn func() error) {
				defer wg.Done()
				errs[i] = fn()
			}(i, fn)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// GraphLaunch enqueues one execution of x on s
func (ctx *Context) GraphLaunch(x *GraphExec, s *Stream) error {
	s, err := ctx.resolveStream("GraphLaunch", s)
	if err != nil {
		return err
	}
	if x == nil {
		return newError("GraphLaunch", ErrorInvalidResourceHandle, "nil graph exec")
	}
	x.mu.Lock()
	destroyed := x.destroyed
	x.mu.Unlock()
	if destroyed {
		return newError("GraphLaunch", ErrorInvalidResourceHandle, "graph exec destroyed")
	}
	return s.enqueue("GraphLaunch", NodeGraph, x.run)
}

// GraphExecDestroy releases x. Launches already enqueued still run.
func (ctx *Context) GraphExecDestroy(x *GraphExec) error {
	if err := ctx.enter("GraphExecDestroy"); err != nil {
		return err
	}
	if x == nil {
		return newError("GraphExecDestroy", ErrorInvalidResourceHandle, "nil graph exec")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.destroyed {
		return newError("GraphExecDestroy", ErrorInvalidResourceHandle, "graph exec destroyed")
	}
	x.destroyed = true
	return nil
}

// GraphDestroy releases g. Executables instantiated from g are unaffected.
func (ctx *Context) GraphDestroy(g *Graph) error {
	if err := ctx.enter("GraphDestroy"); err != nil {
		return err
	}
	if err := g.check("GraphDestroy"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroyed = true
	return nil
}
