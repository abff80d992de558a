package gudart

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Device represents a compute device. Every device is backed by the host CPU,
// its cores and a slice of the simulated memory budget.
type Device struct {
	Ordinal            int       // Index into the runtime's device list
	Name               string    // Human-readable device name
	UUID               uuid.UUID // Stable identifier derived from ordinal and name
	TotalMem           uint64    // Total device memory in bytes
	NumCores           int       // Multiprocessor count
	MaxThreads         int       // Maximum concurrent threads
	MaxThreadsPerBlock int
	WarpSize           int
	Major, Minor       int // Compute capability
	PCIDomainID        int
	PCIBusID           int
	PCIDeviceID        int
	ManagedMemory      bool
	Features           []string // Host SIMD extensions
}

// DeviceAttr selects a single integer device attribute
type DeviceAttr int

const (
	AttrMaxThreadsPerBlock DeviceAttr = iota
	AttrWarpSize
	AttrMultiProcessorCount
	AttrComputeCapabilityMajor
	AttrComputeCapabilityMinor
	AttrPCIBusID
	AttrPCIDeviceID
	AttrPCIDomainID
	AttrManagedMemory
)

// Context represents an execution context for runtime operations. It owns the
// simulated devices, the memory pool and every stream created through it. All
// state that vendor runtimes keep implicitly per process, such as the current
// device, lives here explicitly.
type Context struct {
	mu            sync.Mutex
	devices       []*Device
	current       int
	peerCapable   bool
	peers         map[[2]int]bool
	streams       map[int]*Stream
	streamID      int32
	memory        *MemoryPool
	defaultStream *Stream
	capturing     map[*Stream]struct{}
	faults        map[string]Status
	destroyed     bool
}

type config struct {
	devices      int
	deviceMemory uint64
	peerAccess   bool
	faults       map[string]Status
}

// Option configures a Context at creation
type Option func(*config)

// WithDevices sets the number of simulated devices
func WithDevices(n int) Option {
	return func(c *config) { c.devices = n }
}

// WithDeviceMemory sets the memory budget of each simulated device in bytes
func WithDeviceMemory(bytes uint64) Option {
	return func(c *config) { c.deviceMemory = bytes }
}

// WithPeerAccess controls whether devices report peer accessibility
func WithPeerAccess(enabled bool) Option {
	return func(c *config) { c.peerAccess = enabled }
}

// WithFault makes every call of the named operation fail with status. It is
// used to exercise failure paths of code built on the runtime.
func WithFault(op string, status Status) Option {
	return func(c *config) { c.faults[op] = status }
}

// NewContext creates a runtime context with its devices and default stream.
func NewContext(opts ...Option) (*Context, error) {
	cfg := &config{
		devices:      1,
		deviceMemory: DefaultDeviceMemory,
		peerAccess:   true,
		faults:       map[string]Status{},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.devices < 1 {
		return nil, newError("NewContext", ErrorNoDevice, "%d devices requested", cfg.devices)
	}
	if cfg.deviceMemory == 0 {
		return nil, newError("NewContext", ErrorInvalidValue, "device memory must be positive")
	}

	ctx := &Context{
		peerCapable: cfg.peerAccess,
		peers:       map[[2]int]bool{},
		streams:     map[int]*Stream{},
		memory:      NewMemoryPool(),
		capturing:   map[*Stream]struct{}{},
		faults:      cfg.faults,
	}
	for i := 0; i < cfg.devices; i++ {
		ctx.devices = append(ctx.devices, newDevice(i, cfg.deviceMemory))
	}
	ctx.defaultStream = ctx.newStream(0, StreamDefault)

	klog.V(1).Infof("gudart: context with %d device(s), %s", len(ctx.devices), GetCPUInfo())
	return ctx, nil
}

func newDevice(ordinal int, mem uint64) *Device {
	name := fmt.Sprintf("GUDA CPU Device %d", ordinal)
	return &Device{
		Ordinal:            ordinal,
		Name:               name,
		UUID:               uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("gudart/%d/%s", ordinal, name))),
		TotalMem:           mem,
		NumCores:           runtime.NumCPU(),
		MaxThreads:         runtime.NumCPU() * 2, // Hyperthreading
		MaxThreadsPerBlock: MaxThreadsPerBlock,
		WarpSize:           WarpSize,
		Major:              ComputeCapabilityMajor,
		Minor:              ComputeCapabilityMinor,
		PCIDomainID:        0,
		PCIBusID:           ordinal + 1,
		PCIDeviceID:        0,
		ManagedMemory:      true,
		Features:           cpuFeatures.featureList(),
	}
}

// Destroy waits for outstanding work, stops every stream and releases all
// allocations still held by the context.
func (ctx *Context) Destroy() error {
	ctx.mu.Lock()
	if ctx.destroyed {
		ctx.mu.Unlock()
		return newError("Destroy", ErrorInvalidResourceHandle, "context already destroyed")
	}
	ctx.destroyed = true
	streams := make([]*Stream, 0, len(ctx.streams))
	for _, s := range ctx.streams {
		streams = append(streams, s)
	}
	ctx.mu.Unlock()

	for _, s := range streams {
		s.stop()
	}
	return ctx.memory.releaseAll()
}

// fault returns the injected failure for op, if any
func (ctx *Context) fault(op string) error {
	ctx.mu.Lock()
	status, ok := ctx.faults[op]
	ctx.mu.Unlock()
	if !ok {
		return nil
	}
	return newError(op, status, "injected fault")
}

// enter runs the checks shared by every operation: injected faults and a
// destroyed context.
func (ctx *Context) enter(op string) error {
	if err := ctx.fault(op); err != nil {
		return err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.destroyed {
		return newError(op, ErrorInitialization, "context destroyed")
	}
	return nil
}

// captureGuard rejects operations that are not permitted while a stream is
// capturing in global or thread-local mode. The offending capture is
// invalidated, as vendor runtimes do.
func (ctx *Context) captureGuard(op string) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if len(ctx.capturing) == 0 {
		return nil
	}
	for s := range ctx.capturing {
		s.invalidateCapture()
	}
	return newError(op, ErrorCaptureUnsupported, "%d stream(s) capturing", len(ctx.capturing))
}

func (ctx *Context) device(op string, ordinal int) (*Device, error) {
	if ordinal < 0 || ordinal >= len(ctx.devices) {
		return nil, newError(op, ErrorInvalidDevice, "device %d of %d", ordinal, len(ctx.devices))
	}
	return ctx.devices[ordinal], nil
}

// DeviceCount returns the number of available devices.
func (ctx *Context) DeviceCount() (int, error) {
	if err := ctx.enter("DeviceCount"); err != nil {
		return 0, err
	}
	return len(ctx.devices), nil
}

// SetDevice selects the device that subsequent allocations and streams use
func (ctx *Context) SetDevice(ordinal int) error {
	if err := ctx.enter("SetDevice"); err != nil {
		return err
	}
	if _, err := ctx.device("SetDevice", ordinal); err != nil {
		return err
	}
	ctx.mu.Lock()
	ctx.current = ordinal
	ctx.mu.Unlock()
	return nil
}

// GetDevice returns the current device ordinal
func (ctx *Context) GetDevice() (int, error) {
	if err := ctx.enter("GetDevice"); err != nil {
		return 0, err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.current, nil
}

func (ctx *Context) currentDevice() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.current
}

// DeviceProperties returns a copy of the properties of a device.
func (ctx *Context) DeviceProperties(ordinal int) (Device, error) {
	if err := ctx.enter("DeviceProperties"); err != nil {
		return Device{}, err
	}
	dev, err := ctx.device("DeviceProperties", ordinal)
	if err != nil {
		return Device{}, err
	}
	props := *dev
	props.Features = append([]string(nil), dev.Features...)
	return props, nil
}

// DeviceAttribute returns a single integer attribute of a device
func (ctx *Context) DeviceAttribute(attr DeviceAttr, ordinal int) (int, error) {
	if err := ctx.enter("DeviceAttribute"); err != nil {
		return 0, err
	}
	dev, err := ctx.device("DeviceAttribute", ordinal)
	if err != nil {
		return 0, err
	}
	switch attr {
	case AttrMaxThreadsPerBlock:
		return dev.MaxThreadsPerBlock, nil
	case AttrWarpSize:
		return dev.WarpSize, nil
	case AttrMultiProcessorCount:
		return dev.NumCores, nil
	case AttrComputeCapabilityMajor:
		return dev.Major, nil
	case AttrComputeCapabilityMinor:
		return dev.Minor, nil
	case AttrPCIBusID:
		return dev.PCIBusID, nil
	case AttrPCIDeviceID:
		return dev.PCIDeviceID, nil
	case AttrPCIDomainID:
		return dev.PCIDomainID, nil
	case AttrManagedMemory:
		if dev.ManagedMemory {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, newError("DeviceAttribute", ErrorInvalidValue, "unknown attribute %d", attr)
	}
}

// DevicePCIBusID returns the PCI location of a device formatted as
// domain:bus:device.function.
func (ctx *Context) DevicePCIBusID(ordinal int) (string, error) {
	if err := ctx.enter("DevicePCIBusID"); err != nil {
		return "", err
	}
	dev, err := ctx.device("DevicePCIBusID", ordinal)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04x:%02x:%02x.0", dev.PCIDomainID, dev.PCIBusID, dev.PCIDeviceID), nil
}

// DriverVersion returns the driver API level, 1000*major + 10*minor
func (ctx *Context) DriverVersion() (int, error) {
	if err := ctx.enter("DriverVersion"); err != nil {
		return 0, err
	}
	return DriverAPIVersion, nil
}

// RuntimeVersion returns the runtime API level, 1000*major + 10*minor
func (ctx *Context) RuntimeVersion() (int, error) {
	if err := ctx.enter("RuntimeVersion"); err != nil {
		return 0, err
	}
	return RuntimeAPIVersion, nil
}

// DeviceCanAccessPeer reports whether device can directly address memory of
// peer. A device is never its own peer.
func (ctx *Context) DeviceCanAccessPeer(device, peer int) (bool, error) {
	if err := ctx.enter("DeviceCanAccessPeer"); err != nil {
		return false, err
	}
	return ctx.canAccessPeer("DeviceCanAccessPeer", device, peer)
}

func (ctx *Context) canAccessPeer(op string, device, peer int) (bool, error) {
	if _, err := ctx.device(op, device); err != nil {
		return false, err
	}
	if _, err := ctx.device(op, peer); err != nil {
		return false, err
	}
	return device != peer && ctx.peerCapable, nil
}

// DeviceEnablePeerAccess lets the current device address memory of peer
func (ctx *Context) DeviceEnablePeerAccess(peer int) error {
	if err := ctx.enter("DeviceEnablePeerAccess"); err != nil {
		return err
	}
	current := ctx.currentDevice()
	ok, err := ctx.canAccessPeer("DeviceEnablePeerAccess", current, peer)
	if err != nil {
		return err
	}
	if !ok {
		return newError("DeviceEnablePeerAccess", ErrorPeerAccessUnsupported, "device %d to %d", current, peer)
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	key := [2]int{current, peer}
	if ctx.peers[key] {
		return newError("DeviceEnablePeerAccess", ErrorPeerAccessEnabled, "device %d to %d", current, peer)
	}
	ctx.peers[key] = true
	return nil
}

// DeviceDisablePeerAccess revokes access enabled by DeviceEnablePeerAccess
func (ctx *Context) DeviceDisablePeerAccess(peer int) error {
	if err := ctx.enter("DeviceDisablePeerAccess"); err != nil {
		return err
	}
	if _, err := ctx.device("DeviceDisablePeerAccess", peer); err != nil {
		return err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	key := [2]int{ctx.current, peer}
	if !ctx.peers[key] {
		return newError("DeviceDisablePeerAccess", ErrorPeerAccessNotEnabled, "device %d to %d", ctx.current, peer)
	}
	delete(ctx.peers, key)
	return nil
}

// DeviceSynchronize waits for all operations on all streams to complete and
// returns the first asynchronous failure any of them recorded.
func (ctx *Context) DeviceSynchronize() error {
	if err := ctx.enter("DeviceSynchronize"); err != nil {
		return err
	}
	if err := ctx.captureGuard("DeviceSynchronize"); err != nil {
		return err
	}
	ctx.mu.Lock()
	streams := make([]*Stream, 0, len(ctx.streams))
	for _, s := range ctx.streams {
		streams = append(streams, s)
	}
	ctx.mu.Unlock()

	var first error
	for _, s := range streams {
		if err := s.wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MemGetInfo returns free and total memory of the current device
func (ctx *Context) MemGetInfo() (free, total uint64, err error) {
	if err := ctx.enter("MemGetInfo"); err != nil {
		return 0, 0, err
	}
	dev := ctx.devices[ctx.currentDevice()]
	used := uint64(ctx.memory.deviceUsage(dev.Ordinal))
	if used > dev.TotalMem {
		used = dev.TotalMem
	}
	return dev.TotalMem - used, dev.TotalMem, nil
}

func (ctx *Context) nextStreamID() int {
	return int(atomic.AddInt32(&ctx.streamID, 1))
}
