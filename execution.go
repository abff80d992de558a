package gudart

import (
	"fmt"
	"runtime"
	"sync"

	"k8s.io/klog/v2"
)

// Dim3 represents 3D dimensions for grid and block configurations.
// This matches CUDA's dim3 structure for kernel launch parameters. A zero Y
// or Z is read as 1.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the total number of elements
func (d Dim3) Size() int {
	d = d.normalize()
	return d.X * d.Y * d.Z
}

func (d Dim3) normalize() Dim3 {
	if d.Y == 0 {
		d.Y = 1
	}
	if d.Z == 0 {
		d.Z = 1
	}
	return d
}

// ThreadID identifies a thread's position within the execution hierarchy.
// It provides the same indexing semantics as CUDA's built-in variables:
// blockIdx, threadIdx, blockDim, and gridDim.
type ThreadID struct {
	BlockIdx  Dim3 // Block index within the grid
	ThreadIdx Dim3 // Thread index within the block
	BlockDim  Dim3 // Dimensions of the block
	GridDim   Dim3 // Dimensions of the grid
}

// Global returns the global thread index
func (tid ThreadID) Global() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// GlobalX returns the global X index
func (tid ThreadID) GlobalX() int {
	return tid.BlockIdx.X*tid.BlockDim.X + tid.ThreadIdx.X
}

// GlobalY returns the global Y index
func (tid ThreadID) GlobalY() int {
	return tid.BlockIdx.Y*tid.BlockDim.Y + tid.ThreadIdx.Y
}

// GlobalZ returns the global Z index
func (tid ThreadID) GlobalZ() int {
	return tid.BlockIdx.Z*tid.BlockDim.Z + tid.ThreadIdx.Z
}

// KernelFunc is a function that can be launched as a kernel.
// It receives thread identification and the launch arguments. It is called
// concurrently for different blocks and must be safe for that.
type KernelFunc func(tid ThreadID, args ...interface{})

// FuncAttributes are the static attributes of a registered kernel
type FuncAttributes struct {
	MaxThreadsPerBlock        int
	SharedSizeBytes           int // Static shared memory
	MaxDynamicSharedSizeBytes int
	ConstSizeBytes            int
	LocalSizeBytes            int
	NumRegs                   int
	PTXVersion                int
	BinaryVersion             int
}

// Function is a kernel registered with the runtime, the analogue of a
// compiled device function.
type Function struct {
	name  string
	fn    KernelFunc
	attrs FuncAttributes
}

// Name returns the name the kernel was registered under
func (f *Function) Name() string {
	return f.name
}

// FunctionOption adjusts the attributes of a registered kernel
type FunctionOption func(*FuncAttributes)

// WithSharedMemory declares the static shared memory a kernel uses
func WithSharedMemory(bytes int) FunctionOption {
	return func(a *FuncAttributes) { a.SharedSizeBytes = bytes }
}

// WithMaxThreadsPerBlock lowers the block size limit of a kernel
func WithMaxThreadsPerBlock(n int) FunctionOption {
	return func(a *FuncAttributes) { a.MaxThreadsPerBlock = n }
}

// RegisterFunction makes fn launchable under name.
func (ctx *Context) RegisterFunction(name string, fn KernelFunc, opts ...FunctionOption) (*Function, error) {
	if err := ctx.enter("RegisterFunction"); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, newError("RegisterFunction", ErrorInvalidDeviceFunction, "nil kernel %q", name)
	}
	attrs := FuncAttributes{
		MaxThreadsPerBlock:        MaxThreadsPerBlock,
		MaxDynamicSharedSizeBytes: MaxSharedMemoryPerBlock,
		PTXVersion:                ComputeCapabilityMajor*10 + ComputeCapabilityMinor,
		BinaryVersion:             ComputeCapabilityMajor*10 + ComputeCapabilityMinor,
	}
	for _, opt := range opts {
		opt(&attrs)
	}
	if attrs.MaxThreadsPerBlock <= 0 || attrs.MaxThreadsPerBlock > MaxThreadsPerBlock {
		return nil, newError("RegisterFunction", ErrorInvalidValue, "max threads per block %d", attrs.MaxThreadsPerBlock)
	}
	if attrs.SharedSizeBytes < 0 || attrs.SharedSizeBytes > MaxSharedMemoryPerBlock {
		return nil, newError("RegisterFunction", ErrorInvalidValue, "static shared memory %d", attrs.SharedSizeBytes)
	}
	attrs.MaxDynamicSharedSizeBytes = MaxSharedMemoryPerBlock - attrs.SharedSizeBytes
	klog.V(2).Infof("gudart: registered kernel %q", name)
	return &Function{name: name, fn: fn, attrs: attrs}, nil
}

// FuncGetAttributes returns the static attributes of f
func (ctx *Context) FuncGetAttributes(f *Function) (FuncAttributes, error) {
	if err := ctx.enter("FuncGetAttributes"); err != nil {
		return FuncAttributes{}, err
	}
	if f == nil {
		return FuncAttributes{}, newError("FuncGetAttributes", ErrorInvalidDeviceFunction, "nil function")
	}
	return f.attrs, nil
}

// validateLaunch checks the launch geometry against the device and kernel limits
func validateLaunch(op string, f *Function, grid, block Dim3, sharedMem int) (Dim3, Dim3, error) {
	if f == nil {
		return grid, block, newError(op, ErrorInvalidDeviceFunction, "nil function")
	}
	grid, block = grid.normalize(), block.normalize()
	if grid.X <= 0 || grid.Y <= 0 || grid.Z <= 0 {
		return grid, block, newError(op, ErrorInvalidConfiguration, "grid %+v", grid)
	}
	if block.X <= 0 || block.Y <= 0 || block.Z <= 0 {
		return grid, block, newError(op, ErrorInvalidConfiguration, "block %+v", block)
	}
	if block.Size() > f.attrs.MaxThreadsPerBlock {
		return grid, block, newError(op, ErrorInvalidConfiguration, "%d threads per block exceed %d for %q",
			block.Size(), f.attrs.MaxThreadsPerBlock, f.name)
	}
	if sharedMem < 0 || sharedMem > f.attrs.MaxDynamicSharedSizeBytes {
		return grid, block, newError(op, ErrorInvalidConfiguration, "%d bytes of dynamic shared memory", sharedMem)
	}
	return grid, block, nil
}

// launchTask builds the stream task that executes every thread of the grid.
// Blocks are spread over one goroutine per CPU, threads of a block run
// sequentially. A panicking kernel fails the launch.
func launchTask(f *Function, grid, block Dim3, args []interface{}) func() error {
	return func() error {
		gridSize := grid.Size()
		blockSize := block.Size()

		numWorkers := runtime.NumCPU()
		if gridSize < numWorkers {
			numWorkers = gridSize
		}
		blocksPerWorker := (gridSize + numWorkers - 1) / numWorkers

		var (
			wg       sync.WaitGroup
			failOnce sync.Once
			failure  error
		)
		wg.Add(numWorkers)
		for workerID := 0; workerID < numWorkers; workerID++ {
			startBlock := workerID * blocksPerWorker
			endBlock := startBlock + blocksPerWorker
			if endBlock > gridSize {
				endBlock = gridSize
			}

			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						failOnce.Do(func() {
							failure = newError("LaunchKernel", ErrorLaunchFailure, "kernel %q panicked: %v", f.name, r)
						})
					}
				}()

				for blockID := startBlock; blockID < endBlock; blockID++ {
					blockIdx := linearTo3D(blockID, grid)
					for threadID := 0; threadID < blockSize; threadID++ {
						f.fn(ThreadID{
							BlockIdx:  blockIdx,
							ThreadIdx: linearTo3D(threadID, block),
							BlockDim:  block,
							GridDim:   grid,
						}, args...)
					}
				}
			}()
		}

		wg.Wait()
		return failure
	}
}

// linearTo3D converts a linear index to 3D coordinates
func linearTo3D(linear int, dim Dim3) Dim3 {
	z := linear / (dim.X * dim.Y)
	y := (linear % (dim.X * dim.Y)) / dim.X
	x := linear % dim.X
	return Dim3{X: x, Y: y, Z: z}
}

// LaunchKernel enqueues f on s over the given grid. A nil stream is the
// default stream. Launch failures inside the kernel surface at the next
// synchronization of s.
//
// Example:
//
//	err := ctx.LaunchKernel(saxpy, gudart.Dim3{X: (n + 255) / 256}, gudart.Dim3{X: 256}, 0, s, d_x, d_y, n)
func (ctx *Context) LaunchKernel(f *Function, grid, block Dim3, sharedMem int, s *Stream, args ...interface{}) error {
	s, err := ctx.resolveStream("LaunchKernel", s)
	if err != nil {
		return err
	}
	grid, block, err = validateLaunch("LaunchKernel", f, grid, block, sharedMem)
	if err != nil {
		return err
	}
	klog.V(3).Infof("gudart: launch %q grid %v block %v on stream %d", f.name, grid, block, s.id)
	return s.enqueue("LaunchKernel", NodeKernel, launchTask(f, grid, block, args))
}

// LaunchConfig carries the parameters of an extended launch
type LaunchConfig struct {
	Grid      Dim3
	Block     Dim3
	SharedMem int
	Stream    *Stream // nil selects the default stream

	// WaitEvents must complete before the kernel starts. SignalEvents are
	// recorded once the kernel has finished.
	WaitEvents   []*Event
	SignalEvents []*Event
}

func (c LaunchConfig) String() string {
	return fmt.Sprintf("grid %v block %v shared %d waits %d signals %d",
		c.Grid, c.Block, c.SharedMem, len(c.WaitEvents), len(c.SignalEvents))
}

// LaunchKernelEx is the extended launch entry point. Besides the launch
// geometry it takes the stream and the events to wait on and to signal
// explicitly.
func (ctx *Context) LaunchKernelEx(cfg LaunchConfig, f *Function, args ...interface{}) error {
	s, err := ctx.resolveStream("LaunchKernelEx", cfg.Stream)
	if err != nil {
		return err
	}
	grid, block, err := validateLaunch("LaunchKernelEx", f, cfg.Grid, cfg.Block, cfg.SharedMem)
	if err != nil {
		return err
	}
	for _, e := range cfg.WaitEvents {
		if err := ctx.StreamWaitEvent(s, e, 0); err != nil {
			return err
		}
	}
	klog.V(3).Infof("gudart: extended launch %q %v on stream %d", f.name, cfg, s.id)
	if err := s.enqueue("LaunchKernelEx", NodeKernel, launchTask(f, grid, block, args)); err != nil {
		return err
	}
	for _, e := range cfg.SignalEvents {
		if err := ctx.EventRecord(e, s); err != nil {
			return err
		}
	}
	return nil
}
