package gudart

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// MemcpyKind specifies the direction of memory transfer.
// All memory is CPU-accessible, so these are kept for API compatibility and
// every direction is served by the same copy.
type MemcpyKind int

const (
	MemcpyHostToHost     MemcpyKind = iota // Host to host transfer
	MemcpyHostToDevice                     // Host to device transfer
	MemcpyDeviceToHost                     // Device to host transfer
	MemcpyDeviceToDevice                   // Device to device transfer
	MemcpyDefault                          // Default transfer (infer direction)
)

// MemoryType is the kind of memory a pointer refers to
type MemoryType int

const (
	MemoryTypeUnregistered MemoryType = iota
	MemoryTypeHost
	MemoryTypeDevice
	MemoryTypeManaged
)

func (t MemoryType) String() string {
	switch t {
	case MemoryTypeUnregistered:
		return "unregistered"
	case MemoryTypeHost:
		return "host"
	case MemoryTypeDevice:
		return "device"
	case MemoryTypeManaged:
		return "managed"
	default:
		return fmt.Sprintf("MemoryType(%d)", int(t))
	}
}

// MemAttachFlags are passed to MallocManaged
type MemAttachFlags uint32

const (
	MemAttachGlobal MemAttachFlags = 1
	MemAttachHost   MemAttachFlags = 2
)

// HostAllocFlags are passed to HostAlloc
type HostAllocFlags uint32

const (
	HostAllocDefault       HostAllocFlags = 0
	HostAllocPortable      HostAllocFlags = 1
	HostAllocMapped        HostAllocFlags = 2
	HostAllocWriteCombined HostAllocFlags = 4
)

// PointerAttributes describe the allocation a pointer belongs to
type PointerAttributes struct {
	Type          MemoryType
	Device        int
	DevicePointer unsafe.Pointer
	HostPointer   unsafe.Pointer
	Locked        bool // Page-locked host memory
}

// DevicePtr represents a pointer into runtime-managed memory. Use the typed
// views (Float32, BFloat16, ...) to access the data and Offset for pointer
// arithmetic.
type DevicePtr struct {
	ptr    unsafe.Pointer
	size   int
	offset int
	host   bool // Caller memory wrapped with HostPtr
}

// MemoryPool manages allocations with reuse of device blocks. It maintains a
// free list of released device and managed blocks to reduce allocation
// overhead, and accounts usage per device.
type MemoryPool struct {
	mu         sync.Mutex
	allocated  map[uintptr]*allocation
	freeList   []*allocation
	perDevice  map[int]int64
	totalAlloc int64
	peakAlloc  int64
}

type allocation struct {
	ptr     unsafe.Pointer
	buf     []byte // Keeps the backing memory reachable
	size    int    // Aligned capacity
	reqSize int    // Size requested by the live owner
	used    bool
	kind    MemoryType
	device  int
	locked  bool
}

func (a *allocation) contains(p uintptr) bool {
	base := uintptr(a.ptr)
	return p >= base && p < base+uintptr(a.reqSize)
}

// NewMemoryPool creates a new memory pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		allocated: make(map[uintptr]*allocation),
		perDevice: make(map[int]int64),
	}
}

// allocate serves device and managed memory, reusing free blocks
func (mp *MemoryPool) allocate(size int, kind MemoryType, device int) DevicePtr {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	alignedSize := (size + MemoryAlignment - 1) &^ (MemoryAlignment - 1)

	for i, alloc := range mp.freeList {
		if alloc.size >= alignedSize && alloc.kind == kind && alloc.device == device {
			mp.freeList = append(mp.freeList[:i], mp.freeList[i+1:]...)
			alloc.used = true
			alloc.reqSize = size
			clear(alloc.buf)
			mp.track(alloc, 1)
			return DevicePtr{ptr: alloc.ptr, size: size}
		}
	}

	buf := make([]byte, alignedSize)
	alloc := &allocation{
		ptr:     unsafe.Pointer(&buf[0]),
		buf:     buf,
		size:    alignedSize,
		reqSize: size,
		used:    true,
		kind:    kind,
		device:  device,
	}
	mp.allocated[uintptr(alloc.ptr)] = alloc
	mp.track(alloc, 1)
	return DevicePtr{ptr: alloc.ptr, size: size}
}

// adopt registers externally allocated host memory
func (mp *MemoryPool) adopt(buf []byte, size int, locked bool, device int) DevicePtr {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	alloc := &allocation{
		ptr:     unsafe.Pointer(&buf[0]),
		buf:     buf,
		size:    len(buf),
		reqSize: size,
		used:    true,
		kind:    MemoryTypeHost,
		device:  device,
		locked:  locked,
	}
	mp.allocated[uintptr(alloc.ptr)] = alloc
	mp.track(alloc, 1)
	return DevicePtr{ptr: alloc.ptr, size: size}
}

// track must be called with mp.mu held
func (mp *MemoryPool) track(alloc *allocation, sign int64) {
	mp.totalAlloc += sign * int64(alloc.size)
	if mp.totalAlloc > mp.peakAlloc {
		mp.peakAlloc = mp.totalAlloc
	}
	if alloc.kind != MemoryTypeHost {
		mp.perDevice[alloc.device] += sign * int64(alloc.size)
	}
}

// lookup finds the live allocation that starts exactly at ptr
func (mp *MemoryPool) lookup(ptr DevicePtr) (*allocation, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	alloc, ok := mp.allocated[uintptr(ptr.ptr)]
	if !ok || !alloc.used {
		return alloc, false
	}
	return alloc, true
}

// find returns the live allocation containing p
func (mp *MemoryPool) find(p unsafe.Pointer) *allocation {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if alloc, ok := mp.allocated[uintptr(p)]; ok && alloc.used {
		return alloc
	}
	for _, alloc := range mp.allocated {
		if alloc.used && alloc.contains(uintptr(p)) {
			return alloc
		}
	}
	return nil
}

// release returns a device or managed block to the free list
func (mp *MemoryPool) release(alloc *allocation) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	alloc.used = false
	mp.freeList = append(mp.freeList, alloc)
	mp.track(alloc, -1)
}

// forget drops a host allocation from the pool entirely
func (mp *MemoryPool) forget(alloc *allocation) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.allocated, uintptr(alloc.ptr))
	alloc.used = false
	mp.track(alloc, -1)
}

func (mp *MemoryPool) deviceUsage(device int) int64 {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.perDevice[device]
}

// releaseAll frees everything, used when the context is destroyed
func (mp *MemoryPool) releaseAll() error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	var first error
	for key, alloc := range mp.allocated {
		if alloc.kind == MemoryTypeHost {
			if err := freePinned(alloc.buf, alloc.locked); err != nil && first == nil {
				first = wrapError("Destroy", ErrorUnknown, err, "release host allocation")
			}
		}
		delete(mp.allocated, key)
	}
	mp.freeList = nil
	mp.perDevice = make(map[int]int64)
	mp.totalAlloc = 0
	return first
}

// GetStats returns memory pool statistics
func (mp *MemoryPool) GetStats() (allocated, peak int64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.totalAlloc, mp.peakAlloc
}

// MemoryStats returns the bytes currently allocated through ctx and the peak
func (ctx *Context) MemoryStats() (allocated, peak int64) {
	return ctx.memory.GetStats()
}

func (ctx *Context) reserve(op string, size int) (int, error) {
	if size < 0 {
		return 0, newError(op, ErrorInvalidValue, "negative size %d", size)
	}
	device := ctx.currentDevice()
	dev := ctx.devices[device]
	if uint64(ctx.memory.deviceUsage(device))+uint64(size) > dev.TotalMem {
		return 0, newError(op, ErrorMemoryAllocation, "%s requested, %s total on device %d",
			humanize.IBytes(uint64(size)), humanize.IBytes(dev.TotalMem), device)
	}
	return device, nil
}

// Malloc allocates device memory of the specified size in bytes on the
// current device. A zero size yields a nil pointer and no error.
//
// Example:
//
//	ptr, err := ctx.Malloc(1024 * 4) // Allocate 1024 float32s
//	if err != nil {
//		return err
//	}
//	defer ctx.Free(ptr)
func (ctx *Context) Malloc(size int) (DevicePtr, error) {
	if err := ctx.enter("Malloc"); err != nil {
		return DevicePtr{}, err
	}
	if err := ctx.captureGuard("Malloc"); err != nil {
		return DevicePtr{}, err
	}
	device, err := ctx.reserve("Malloc", size)
	if err != nil || size == 0 {
		return DevicePtr{}, err
	}
	ptr := ctx.memory.allocate(size, MemoryTypeDevice, device)
	klog.V(2).Infof("gudart: Malloc %s on device %d", humanize.IBytes(uint64(size)), device)
	return ptr, nil
}

// MallocManaged allocates memory accessible from the host and every device
func (ctx *Context) MallocManaged(size int, flags MemAttachFlags) (DevicePtr, error) {
	if err := ctx.enter("MallocManaged"); err != nil {
		return DevicePtr{}, err
	}
	if flags != MemAttachGlobal && flags != MemAttachHost {
		return DevicePtr{}, newError("MallocManaged", ErrorInvalidValue, "unknown attach flags %#x", uint32(flags))
	}
	if err := ctx.captureGuard("MallocManaged"); err != nil {
		return DevicePtr{}, err
	}
	device, err := ctx.reserve("MallocManaged", size)
	if err != nil || size == 0 {
		return DevicePtr{}, err
	}
	ptr := ctx.memory.allocate(size, MemoryTypeManaged, device)
	klog.V(2).Infof("gudart: MallocManaged %s on device %d", humanize.IBytes(uint64(size)), device)
	return ptr, nil
}

// HostAlloc allocates page-locked host memory. When the host refuses to lock
// the pages the memory is still returned, pageable, and a warning is logged.
func (ctx *Context) HostAlloc(size int, flags HostAllocFlags) (DevicePtr, error) {
	if err := ctx.enter("HostAlloc"); err != nil {
		return DevicePtr{}, err
	}
	if flags&^(HostAllocPortable|HostAllocMapped|HostAllocWriteCombined) != 0 {
		return DevicePtr{}, newError("HostAlloc", ErrorInvalidValue, "unknown flags %#x", uint32(flags))
	}
	if size <= 0 {
		return DevicePtr{}, newError("HostAlloc", ErrorInvalidValue, "size must be positive")
	}
	if err := ctx.captureGuard("HostAlloc"); err != nil {
		return DevicePtr{}, err
	}
	buf, locked, err := allocPinned(size)
	if err != nil {
		return DevicePtr{}, wrapError("HostAlloc", ErrorMemoryAllocation, err, "map %s", humanize.IBytes(uint64(size)))
	}
	ptr := ctx.memory.adopt(buf, size, locked, ctx.currentDevice())
	klog.V(2).Infof("gudart: HostAlloc %s locked=%t", humanize.IBytes(uint64(size)), locked)
	return ptr, nil
}

// Free releases device or managed memory. It is safe to call Free with a zero
// DevicePtr.
func (ctx *Context) Free(ptr DevicePtr) error {
	if err := ctx.enter("Free"); err != nil {
		return err
	}
	if ptr.ptr == nil {
		return nil
	}
	if err := ctx.captureGuard("Free"); err != nil {
		return err
	}
	alloc, live := ctx.memory.lookup(ptr)
	switch {
	case alloc == nil:
		return newError("Free", ErrorInvalidDevicePointer, "pointer not found in allocation pool")
	case !live:
		return newError("Free", ErrorInvalidValue, "double free detected")
	case alloc.kind == MemoryTypeHost:
		return newError("Free", ErrorInvalidValue, "host allocation must be released with FreeHost")
	}
	ctx.memory.release(alloc)
	klog.V(2).Infof("gudart: Free %s", humanize.IBytes(uint64(alloc.reqSize)))
	return nil
}

// FreeHost releases memory allocated by HostAlloc
func (ctx *Context) FreeHost(ptr DevicePtr) error {
	if err := ctx.enter("FreeHost"); err != nil {
		return err
	}
	if ptr.ptr == nil {
		return nil
	}
	if err := ctx.captureGuard("FreeHost"); err != nil {
		return err
	}
	alloc, live := ctx.memory.lookup(ptr)
	if alloc == nil || !live || alloc.kind != MemoryTypeHost {
		return newError("FreeHost", ErrorInvalidValue, "pointer is not a live host allocation")
	}
	ctx.memory.forget(alloc)
	if err := freePinned(alloc.buf, alloc.locked); err != nil {
		return wrapError("FreeHost", ErrorUnknown, err, "unmap host allocation")
	}
	return nil
}

// span validates that count bytes starting at ptr lie inside one allocation
func (ctx *Context) span(op string, ptr DevicePtr, count int) error {
	if count < 0 {
		return newError(op, ErrorInvalidValue, "negative count %d", count)
	}
	if count == 0 {
		return nil
	}
	alloc := ctx.memory.find(ptr.ptr)
	if alloc == nil {
		return newError(op, ErrorInvalidValue, "pointer is not runtime memory")
	}
	end := uintptr(ptr.ptr) + uintptr(count)
	if end > uintptr(alloc.ptr)+uintptr(alloc.reqSize) {
		return newError(op, ErrorInvalidValue, "%d bytes overrun the allocation", count)
	}
	return nil
}

func memsetTask(ptr DevicePtr, value, count int) func() error {
	return func() error {
		b := unsafe.Slice((*byte)(ptr.ptr), count)
		for i := range b {
			b[i] = byte(value)
		}
		return nil
	}
}

// Memset fills count bytes at ptr with the low byte of value and waits for
// the fill to complete.
func (ctx *Context) Memset(ptr DevicePtr, value, count int) error {
	if err := ctx.enter("Memset"); err != nil {
		return err
	}
	if err := ctx.captureGuard("Memset"); err != nil {
		return err
	}
	if err := ctx.span("Memset", ptr, count); err != nil || count == 0 {
		return err
	}
	s := ctx.defaultStream
	if err := s.enqueue("Memset", NodeMemset, memsetTask(ptr, value, count)); err != nil {
		return err
	}
	return s.wait()
}

// MemsetAsync enqueues a fill of count bytes at ptr on s
func (ctx *Context) MemsetAsync(ptr DevicePtr, value, count int, s *Stream) error {
	s, err := ctx.resolveStream("MemsetAsync", s)
	if err != nil {
		return err
	}
	if err := ctx.span("MemsetAsync", ptr, count); err != nil || count == 0 {
		return err
	}
	return s.enqueue("MemsetAsync", NodeMemset, memsetTask(ptr, value, count))
}

// sliceBytes reinterprets a slice as its backing bytes
func sliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(zero)))
}

// operand resolves a Memcpy source or destination to size bytes of memory.
// Supported are DevicePtr, unsafe.Pointer and slices of the element types the
// runtime works with.
func (ctx *Context) operand(op, role string, v interface{}, size int) (unsafe.Pointer, error) {
	var b []byte
	switch d := v.(type) {
	case DevicePtr:
		if d.ptr == nil {
			return nil, newError(op, ErrorInvalidValue, "nil %s pointer", role)
		}
		if ctx.memory.find(d.ptr) == nil {
			if !d.host {
				return nil, newError(op, ErrorInvalidValue, "%s pointer is not runtime memory", role)
			}
			if d.size < size {
				return nil, newError(op, ErrorInvalidValue, "%s holds %d bytes, %d requested", role, d.size, size)
			}
			return d.ptr, nil
		}
		if err := ctx.span(op, d, size); err != nil {
			return nil, err
		}
		return d.ptr, nil
	case unsafe.Pointer:
		if d == nil {
			return nil, newError(op, ErrorInvalidValue, "nil %s pointer", role)
		}
		return d, nil
	case []byte:
		b = d
	case []float32:
		b = sliceBytes(d)
	case []float64:
		b = sliceBytes(d)
	case []int32:
		b = sliceBytes(d)
	case []uint16:
		b = sliceBytes(d)
	case []bfloat16.BFloat16:
		b = sliceBytes(d)
	case []float16.Float16:
		b = sliceBytes(d)
	default:
		return nil, newError(op, ErrorInvalidValue, "unsupported %s type: %T", role, v)
	}
	if len(b) < size {
		return nil, newError(op, ErrorInvalidValue, "%s holds %d bytes, %d requested", role, len(b), size)
	}
	if len(b) == 0 {
		return nil, nil
	}
	return unsafe.Pointer(&b[0]), nil
}

func copyTask(dst, src unsafe.Pointer, size int) func() error {
	return func() error {
		copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
		return nil
	}
}

// Memcpy copies memory between host and device and waits for the copy.
//
// Parameters:
//   - dst: Destination (DevicePtr or Go slice)
//   - src: Source (DevicePtr or Go slice)
//   - size: Number of bytes to copy
//   - kind: Transfer direction (for CUDA compatibility)
func (ctx *Context) Memcpy(dst, src interface{}, size int, kind MemcpyKind) error {
	if err := ctx.enter("Memcpy"); err != nil {
		return err
	}
	if err := ctx.captureGuard("Memcpy"); err != nil {
		return err
	}
	task, err := ctx.copyTask("Memcpy", dst, src, size, kind)
	if err != nil || task == nil {
		return err
	}
	s := ctx.defaultStream
	if err := s.enqueue("Memcpy", NodeMemcpy, task); err != nil {
		return err
	}
	return s.wait()
}

// MemcpyAsync enqueues a copy on s. Host slices must stay untouched until the
// copy has completed.
func (ctx *Context) MemcpyAsync(dst, src interface{}, size int, kind MemcpyKind, s *Stream) error {
	s, err := ctx.resolveStream("MemcpyAsync", s)
	if err != nil {
		return err
	}
	task, err := ctx.copyTask("MemcpyAsync", dst, src, size, kind)
	if err != nil || task == nil {
		return err
	}
	return s.enqueue("MemcpyAsync", NodeMemcpy, task)
}

func (ctx *Context) copyTask(op string, dst, src interface{}, size int, kind MemcpyKind) (func() error, error) {
	if kind < MemcpyHostToHost || kind > MemcpyDefault {
		return nil, newError(op, ErrorInvalidValue, "unknown copy kind %d", kind)
	}
	if size < 0 {
		return nil, newError(op, ErrorInvalidValue, "negative size %d", size)
	}
	if size == 0 {
		return nil, nil
	}
	dstPtr, err := ctx.operand(op, "dst", dst, size)
	if err != nil {
		return nil, err
	}
	srcPtr, err := ctx.operand(op, "src", src, size)
	if err != nil {
		return nil, err
	}
	return copyTask(dstPtr, srcPtr, size), nil
}

// MemGetAddressRange returns the base and size of the allocation containing
// ptr.
func (ctx *Context) MemGetAddressRange(ptr DevicePtr) (DevicePtr, int, error) {
	if err := ctx.enter("MemGetAddressRange"); err != nil {
		return DevicePtr{}, 0, err
	}
	alloc := ctx.memory.find(ptr.ptr)
	if alloc == nil || alloc.kind == MemoryTypeHost {
		return DevicePtr{}, 0, newError("MemGetAddressRange", ErrorInvalidDevicePointer, "pointer is not device memory")
	}
	return DevicePtr{ptr: alloc.ptr, size: alloc.reqSize}, alloc.reqSize, nil
}

// PointerGetAttributes describes the memory ptr refers to. Memory the runtime
// does not know is reported as unregistered, without an error.
func (ctx *Context) PointerGetAttributes(ptr DevicePtr) (PointerAttributes, error) {
	if err := ctx.enter("PointerGetAttributes"); err != nil {
		return PointerAttributes{}, err
	}
	alloc := ctx.memory.find(ptr.ptr)
	if alloc == nil {
		return PointerAttributes{Type: MemoryTypeUnregistered, Device: -2}, nil
	}
	attrs := PointerAttributes{
		Type:   alloc.kind,
		Device: alloc.device,
		Locked: alloc.locked,
	}
	switch alloc.kind {
	case MemoryTypeDevice:
		attrs.DevicePointer = ptr.ptr
	case MemoryTypeManaged, MemoryTypeHost:
		attrs.DevicePointer = ptr.ptr
		attrs.HostPointer = ptr.ptr
	}
	return attrs, nil
}

// HostPtr wraps host memory owned by the caller as a DevicePtr, for pointer
// queries and copies. The runtime does not track it.
func HostPtr(b []byte) DevicePtr {
	if len(b) == 0 {
		return DevicePtr{}
	}
	return DevicePtr{ptr: unsafe.Pointer(&b[0]), size: len(b), host: true}
}

// DevicePtr methods for convenience

// IsNil reports whether the pointer is the zero pointer
func (d DevicePtr) IsNil() bool {
	return d.ptr == nil
}

// Pointer returns the raw address
func (d DevicePtr) Pointer() unsafe.Pointer {
	return d.ptr
}

// Float32 returns a float32 slice view of the device memory.
//
// Example:
//
//	d_data, _ := ctx.Malloc(1024 * 4) // Allocate for 1024 float32s
//	data := d_data.Float32()
//	data[0] = 3.14 // Direct access
func (d DevicePtr) Float32() []float32 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*float32)(d.ptr), d.size/4)
}

// Float64 returns a float64 slice view of the device memory.
func (d DevicePtr) Float64() []float64 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*float64)(d.ptr), d.size/8)
}

// Int32 returns an int32 slice view of the device memory.
func (d DevicePtr) Int32() []int32 {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*int32)(d.ptr), d.size/4)
}

// Byte returns a byte slice view of the memory region.
func (d DevicePtr) Byte() []byte {
	if d.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(d.ptr), d.size)
}

// Offset returns a new DevicePtr offset by the given number of bytes.
// The returned DevicePtr shares the same underlying memory.
//
// Example:
//
//	d_array, _ := ctx.Malloc(1024 * 4) // 1024 float32s
//	d_second_half := d_array.Offset(512 * 4) // Start at element 512
func (d DevicePtr) Offset(bytes int) DevicePtr {
	return DevicePtr{
		ptr:    unsafe.Add(d.ptr, bytes),
		size:   d.size - bytes,
		offset: d.offset + bytes,
		host:   d.host,
	}
}

// Size returns the size in bytes of the memory region
func (d DevicePtr) Size() int {
	return d.size
}

// Contains reports whether p lies within [d, d+Size)
func (d DevicePtr) Contains(p DevicePtr) bool {
	base := uintptr(d.ptr)
	addr := uintptr(p.ptr)
	return d.ptr != nil && addr >= base && addr < base+uintptr(d.size)
}
