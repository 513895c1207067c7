package backends

import "time"

// Backend is a shared compute context on one device.
//
// It is shared (not owned) by every query using it: queries must not Finalize it.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "sim" for the simulated device.
	Name() string

	// Description is a longer description of the Backend and its device that can be used to pretty-print.
	Description() string

	// Compile builds the program source for the device. Kernels are then created from the returned Program.
	Compile(source string) (Program, error)

	// NewQueue creates an in-order command queue. If profiling is true, events returned by the queue
	// carry timestamps.
	NewQueue(profiling bool) (Queue, error)

	// NewBuffer allocates a device-resident buffer of size bytes.
	NewBuffer(size int) (Mem, error)

	// NewHostBuffer allocates a pinned host-visible buffer of size bytes and maps it for host access
	// through queue.
	//
	// If host is not nil, it is used as the backing memory (no copy): it must be at least size bytes
	// and should be page-aligned and pinned by the caller.
	NewHostBuffer(queue Queue, size int, host []byte) (HostMem, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Program is the compiled form of a kernel source.
type Program interface {
	// Source used to compile the program.
	Source() string

	// NewKernel creates a kernel object for the named entry point.
	NewKernel(name string) (Kernel, error)

	// Finalize releases the program. Kernels already created remain valid.
	Finalize()
}

// Kernel is one entry point of a Program with its bound arguments.
//
// Arguments are captured when a launch is enqueued, so they can be rebound for the next launch.
type Kernel interface {
	// Name of the entry point.
	Name() string

	// SetArgInt32 binds an int32 scalar argument.
	SetArgInt32(index int, value int32) error

	// SetArgBuffer binds a buffer argument.
	SetArgBuffer(index int, mem Mem) error

	// SetArgLocal declares a local (work-group shared) scratch argument of size bytes.
	SetArgLocal(index int, size int) error

	// Finalize releases the kernel object.
	Finalize()
}

// Mem is a device buffer.
type Mem interface {
	// Size in bytes.
	Size() int

	// Finalize releases the buffer.
	Finalize()
}

// HostMem is a pinned, host-mapped buffer that can be the source or destination of transfers.
type HostMem interface {
	Mem

	// Bytes returns the host mapping of the buffer. It is valid until Finalize.
	Bytes() []byte
}

// Queue is an in-order command queue: commands execute in the order they were enqueued, each one
// only after the previous one completed.
//
// Enqueued commands may not start until Flush (or an implicit flush by Finish or Event.Wait).
// The "withEvent" argument controls whether a completion Event is returned; otherwise the returned
// Event is nil.
type Queue interface {
	// EnqueueWrite transfers src to dst at offset, asynchronously.
	// src must not be modified until the command completes.
	EnqueueWrite(dst Mem, offset int, src []byte, withEvent bool) (Event, error)

	// EnqueueRead transfers from src at offset into dst, asynchronously.
	EnqueueRead(src Mem, offset int, dst []byte, withEvent bool) (Event, error)

	// EnqueueKernel launches kernel over globalSize work-items, in work-groups of localSize.
	EnqueueKernel(kernel Kernel, globalSize, localSize int, withEvent bool) (Event, error)

	// Flush submits the enqueued commands to the device, without blocking.
	Flush() error

	// Finish blocks until all commands enqueued so far have completed.
	Finish() error

	// Finalize releases the queue.
	Finalize()
}

// Event tracks the completion of one command.
type Event interface {
	// Wait blocks until the command completes. It returns an error if it did not complete successfully.
	Wait() error

	// Profile returns the command timestamps. It only works for events of a profiling queue, after completion.
	Profile() (Profile, error)

	// Release the event. Waiting on a released event is undefined.
	Release()
}

// Profile holds the timestamps of a command's life on a device queue.
type Profile struct {
	Queued, Submitted, Started, Ended time.Time
}

// Duration of the command's execution on the device.
func (p Profile) Duration() time.Duration {
	return p.Ended.Sub(p.Started)
}
