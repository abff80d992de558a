// Package gudart configuration constants
package gudart

// Thread and block dimensions
const (
	// Default block size for kernels
	DefaultBlockSize = 256

	// Maximum threads per block (CUDA compatibility)
	MaxThreadsPerBlock = 1024

	// Threads executed in lockstep on vendor hardware. Reported for
	// compatibility only, CPU threads of a block run sequentially.
	WarpSize = 32

	// Shared memory a launch may request per block
	MaxSharedMemoryPerBlock = 48 * 1024
)

// Memory pool parameters
const (
	// Memory alignment for device allocations
	MemoryAlignment = 64

	// Default simulated memory per device
	DefaultDeviceMemory = 16 * 1024 * 1024 * 1024
)

// Stream parameters
const (
	// Queue depth of a stream before Submit blocks the host
	StreamQueueDepth = 1000
)

// API level implemented by the runtime, encoded as 1000*major + 10*minor.
const (
	RuntimeAPIVersion = 12040
	DriverAPIVersion  = 12040
)

// Compute capability reported for simulated devices
const (
	ComputeCapabilityMajor = 8
	ComputeCapabilityMinor = 0
)
