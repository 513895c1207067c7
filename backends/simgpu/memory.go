package simgpu

import (
	"sync/atomic"

	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/pinned"
	"k8s.io/klog/v2"
)

// simMem is implemented by both kinds of simulated buffers.
type simMem interface {
	backends.Mem
	owner() *Backend
	data() []byte
	isReleased() bool
}

// deviceMem is device-resident memory: the host never sees it directly, only through transfers.
type deviceMem struct {
	backend  *Backend
	bytes    []byte
	released atomic.Bool
}

var _ simMem = &deviceMem{}

// NewBuffer allocates a zeroed device-resident buffer of size bytes.
func (b *Backend) NewBuffer(size int) (backends.Mem, error) {
	if err := b.checkValid("NewBuffer"); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, backends.NewDeviceError("NewBuffer", backends.StatusInvalidBufferSize, "invalid buffer size %d", size)
	}
	return &deviceMem{backend: b, bytes: make([]byte, size)}, nil
}

func (m *deviceMem) Size() int        { return len(m.bytes) }
func (m *deviceMem) owner() *Backend  { return m.backend }
func (m *deviceMem) data() []byte     { return m.bytes }
func (m *deviceMem) isReleased() bool { return m.released.Load() }

// Finalize releases the buffer.
func (m *deviceMem) Finalize() {
	if m.released.Swap(true) {
		klog.Warningf("simgpu: device buffer of %d bytes released more than once", len(m.bytes))
	}
}

// hostMem is pinned host memory, either allocated by the device or supplied by the caller.
type hostMem struct {
	deviceMem
	region *pinned.Region // nil if the memory was supplied by the caller.
}

var _ backends.HostMem = &hostMem{}

// NewHostBuffer allocates a pinned host buffer, or adopts host if it is given.
func (b *Backend) NewHostBuffer(queue backends.Queue, size int, host []byte) (backends.HostMem, error) {
	if err := b.checkValid("NewHostBuffer"); err != nil {
		return nil, err
	}
	if _, ok := queue.(*Queue); !ok || queue == nil {
		return nil, backends.NewDeviceError("NewHostBuffer", backends.StatusInvalidCommandQueue, "queue %T is not a simgpu queue", queue)
	}
	if size <= 0 {
		return nil, backends.NewDeviceError("NewHostBuffer", backends.StatusInvalidBufferSize, "invalid buffer size %d", size)
	}
	if host != nil {
		if len(host) < size {
			return nil, backends.NewDeviceError("NewHostBuffer", backends.StatusInvalidHostPtr,
				"host memory of %d bytes is smaller than buffer size %d", len(host), size)
		}
		return &hostMem{deviceMem: deviceMem{backend: b, bytes: host[:size:size]}}, nil
	}
	region, err := pinned.Alloc(size, b.pinMode)
	if err != nil {
		return nil, &backends.DeviceError{Op: "NewHostBuffer", Code: backends.StatusOutOfHostMemory, Err: err}
	}
	return &hostMem{deviceMem: deviceMem{backend: b, bytes: region.Bytes()}, region: region}, nil
}

// Bytes returns the host mapping of the buffer.
func (m *hostMem) Bytes() []byte { return m.bytes }

// Finalize releases the buffer, and returns device allocated pinned memory to the OS.
func (m *hostMem) Finalize() {
	if m.released.Swap(true) {
		klog.Warningf("simgpu: host buffer of %d bytes released more than once", len(m.bytes))
		return
	}
	if m.region != nil {
		if err := m.region.Free(); err != nil {
			klog.Warningf("simgpu: failed to free pinned region: %v", err)
		}
	}
}
