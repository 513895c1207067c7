// Copyright 2025-2026 The GPUStream Authors. SPDX-License-Identifier: Apache-2.0

//go:build opencl

// Package opencl implements a gpustream backend on an OpenCL device, using github.com/jgillich/go-opencl.
//
// It requires the OpenCL headers and ICD loader, and is only built with the "opencl" build tag.
//
// Configuration string, given as "opencl:<config>": comma-separated "key=value" pairs.
//
//   - platform=N: index of the platform to use. Default 0.
//   - device=N: index of the GPU device within the platform. Default 0.
//   - type=gpu|all: which device types to list. Default gpu.
//   - options=STRING: compiler options passed to the program build.
package opencl

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/jgillich/go-opencl/cl"
	"github.com/lsds/gpustream/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GPUSTREAM_BACKEND to specify this backend.
const BackendName = "opencl"

// Available reports whether this build includes the OpenCL backend.
const Available = true

func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// wrap converts a go-opencl error into a *backends.DeviceError.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	code := backends.StatusUnknown
	if other, ok := err.(cl.ErrOther); ok {
		code = int(other)
	}
	return &backends.DeviceError{Op: op, Code: code, Err: err}
}

// Backend implements backends.Backend on one OpenCL device: the device bootstrap selects a platform and
// device and creates the context shared by all queries.
type Backend struct {
	platform     *cl.Platform
	device       *cl.Device
	context      *cl.Context
	buildOptions string
	description  string
}

var _ backends.Backend = &Backend{}

// New selects the platform and device given in config and creates a compute context.
func New(config string) (*Backend, error) {
	platformIdx, deviceIdx := 0, 0
	deviceType := cl.DeviceTypeGPU
	var buildOptions string
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		var err error
		switch key {
		case "platform":
			platformIdx, err = strconv.Atoi(value)
		case "device":
			deviceIdx, err = strconv.Atoi(value)
		case "type":
			switch value {
			case "gpu":
				deviceType = cl.DeviceTypeGPU
			case "all":
				deviceType = cl.DeviceTypeAll
			default:
				err = errors.Errorf("unknown device type %q", value)
			}
		case "options":
			buildOptions = value
		default:
			err = errors.Errorf("unknown configuration key %q", key)
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "opencl: invalid configuration %q", config)
		}
	}

	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, wrap("GetPlatforms", err)
	}
	if platformIdx < 0 || platformIdx >= len(platforms) {
		return nil, errors.Errorf("opencl: platform %d not found, %d platforms available", platformIdx, len(platforms))
	}
	platform := platforms[platformIdx]
	devices, err := platform.GetDevices(deviceType)
	if err != nil {
		return nil, wrap("GetDevices", err)
	}
	if deviceIdx < 0 || deviceIdx >= len(devices) {
		return nil, errors.Errorf("opencl: device %d not found on platform %q, %d devices available",
			deviceIdx, platform.Name(), len(devices))
	}
	device := devices[deviceIdx]
	context, err := cl.CreateContext([]*cl.Device{device})
	if err != nil {
		return nil, wrap("CreateContext", err)
	}
	b := &Backend{
		platform:     platform,
		device:       device,
		context:      context,
		buildOptions: buildOptions,
		description: fmt.Sprintf("OpenCL %s / %s: %s global memory, %s local memory, max work-group %d",
			platform.Name(), device.Name(), humanize.IBytes(uint64(device.GlobalMemSize())),
			humanize.IBytes(uint64(device.LocalMemSize())), device.MaxWorkGroupSize()),
	}
	klog.V(1).Infof("opencl: device bootstrapped: %s", b.description)
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// Description of the platform and device.
func (b *Backend) Description() string { return b.description }

// Compile builds the program source for the device.
func (b *Backend) Compile(source string) (backends.Program, error) {
	program, err := b.context.CreateProgramWithSource([]string{source})
	if err != nil {
		return nil, wrap("CreateProgramWithSource", err)
	}
	if err := program.BuildProgram([]*cl.Device{b.device}, b.buildOptions); err != nil {
		program.Release()
		return nil, wrap("BuildProgram", err)
	}
	return &Program{program: program, source: source}, nil
}

// NewQueue creates an in-order command queue, with profiling if requested.
func (b *Backend) NewQueue(profiling bool) (backends.Queue, error) {
	var properties cl.CommandQueueProperty
	if profiling {
		properties = cl.CommandQueueProfilingEnable
	}
	queue, err := b.context.CreateCommandQueue(b.device, properties)
	if err != nil {
		return nil, wrap("CreateCommandQueue", err)
	}
	return &Queue{queue: queue}, nil
}

// NewBuffer allocates a device-resident buffer.
func (b *Backend) NewBuffer(size int) (backends.Mem, error) {
	mem, err := b.context.CreateEmptyBuffer(cl.MemReadWrite, size)
	if err != nil {
		return nil, wrap("CreateBuffer", err)
	}
	return &Mem{mem: mem, size: size}, nil
}

// NewHostBuffer allocates a pinned buffer and maps it for host access, or wraps host memory in place.
func (b *Backend) NewHostBuffer(queue backends.Queue, size int, host []byte) (backends.HostMem, error) {
	q, ok := queue.(*Queue)
	if !ok {
		return nil, backends.NewDeviceError("NewHostBuffer", backends.StatusInvalidCommandQueue, "queue %T is not an opencl queue", queue)
	}
	if host != nil {
		if len(host) < size {
			return nil, backends.NewDeviceError("NewHostBuffer", backends.StatusInvalidHostPtr,
				"host memory of %d bytes is smaller than buffer size %d", len(host), size)
		}
		mem, err := b.context.CreateBufferUnsafe(cl.MemReadWrite|cl.MemUseHostPtr, size, unsafe.Pointer(unsafe.SliceData(host)))
		if err != nil {
			return nil, wrap("CreateBuffer", err)
		}
		return &HostMem{Mem: Mem{mem: mem, size: size}, bytes: host[:size:size]}, nil
	}
	mem, err := b.context.CreateBufferUnsafe(cl.MemReadWrite|cl.MemAllocHostPtr, size, nil)
	if err != nil {
		return nil, wrap("CreateBuffer", err)
	}
	mapped, event, err := q.queue.EnqueueMapBuffer(mem, true, cl.MapFlagRead|cl.MapFlagWrite, 0, size, nil)
	if err != nil {
		mem.Release()
		return nil, wrap("EnqueueMapBuffer", err)
	}
	if event != nil {
		event.Release()
	}
	return &HostMem{
		Mem:    Mem{mem: mem, size: size},
		bytes:  unsafe.Slice((*byte)(mapped.Ptr()), size),
		queue:  q,
		mapped: mapped,
	}, nil
}

// Finalize releases the context.
func (b *Backend) Finalize() {
	if b.context != nil {
		b.context.Release()
		b.context = nil
	}
}

// Program wraps a built cl.Program.
type Program struct {
	program *cl.Program
	source  string
}

// Source used to compile the program.
func (p *Program) Source() string { return p.source }

// NewKernel creates a kernel object for the named entry point.
func (p *Program) NewKernel(name string) (backends.Kernel, error) {
	kernel, err := p.program.CreateKernel(name)
	if err != nil {
		return nil, wrap("CreateKernel", err)
	}
	return &Kernel{kernel: kernel, name: name}, nil
}

// Finalize releases the program.
func (p *Program) Finalize() { p.program.Release() }

// Kernel wraps a cl.Kernel.
type Kernel struct {
	kernel *cl.Kernel
	name   string
}

// Name of the entry point.
func (k *Kernel) Name() string { return k.name }

// SetArgInt32 binds an int32 scalar argument.
func (k *Kernel) SetArgInt32(index int, value int32) error {
	return wrap("SetKernelArg", k.kernel.SetArgInt32(index, value))
}

// SetArgBuffer binds a buffer argument.
func (k *Kernel) SetArgBuffer(index int, mem backends.Mem) error {
	m, err := clMem(mem)
	if err != nil {
		return err
	}
	return wrap("SetKernelArg", k.kernel.SetArgBuffer(index, m))
}

// SetArgLocal declares a local scratch argument of size bytes.
func (k *Kernel) SetArgLocal(index int, size int) error {
	return wrap("SetKernelArg", k.kernel.SetArgLocal(index, size))
}

// Finalize releases the kernel.
func (k *Kernel) Finalize() { k.kernel.Release() }

// Mem is a device buffer.
type Mem struct {
	mem  *cl.MemObject
	size int
}

// Size in bytes.
func (m *Mem) Size() int { return m.size }

// Finalize releases the buffer.
func (m *Mem) Finalize() { m.mem.Release() }

func clMem(mem backends.Mem) (*cl.MemObject, error) {
	switch m := mem.(type) {
	case *Mem:
		return m.mem, nil
	case *HostMem:
		return m.mem, nil
	}
	return nil, backends.NewDeviceError("SetKernelArg", backends.StatusInvalidMemObject, "%T is not an opencl buffer", mem)
}

// HostMem is a pinned buffer mapped into host memory.
type HostMem struct {
	Mem
	bytes  []byte
	queue  *Queue              // Queue used to map the buffer, nil for caller supplied memory.
	mapped *cl.MappedMemObject // nil for caller supplied memory.
}

// Bytes returns the host mapping of the buffer.
func (m *HostMem) Bytes() []byte { return m.bytes }

// Finalize unmaps and releases the buffer.
func (m *HostMem) Finalize() {
	if m.mapped != nil {
		event, err := m.queue.queue.EnqueueUnmapMemObject(m.mem, m.mapped, nil)
		if err != nil {
			klog.Warningf("opencl: failed to unmap host buffer: %v", err)
		} else if event != nil {
			if err := cl.WaitForEvents([]*cl.Event{event}); err != nil {
				klog.Warningf("opencl: failed to wait for an unmap: %v", err)
			}
			event.Release()
		}
		m.mapped = nil
	}
	m.mem.Release()
}

// Queue wraps a cl.CommandQueue.
type Queue struct {
	queue *cl.CommandQueue
}

func eventOrRelease(e *cl.Event, withEvent bool) backends.Event {
	if e == nil {
		return nil
	}
	if !withEvent {
		e.Release()
		return nil
	}
	return &Event{event: e}
}

// EnqueueWrite transfers src to dst at offset, asynchronously.
func (q *Queue) EnqueueWrite(dst backends.Mem, offset int, src []byte, withEvent bool) (backends.Event, error) {
	m, err := clMem(dst)
	if err != nil {
		return nil, err
	}
	e, err := q.queue.EnqueueWriteBuffer(m, false, offset, len(src), unsafe.Pointer(unsafe.SliceData(src)), nil)
	if err != nil {
		return nil, wrap("EnqueueWriteBuffer", err)
	}
	return eventOrRelease(e, withEvent), nil
}

// EnqueueRead transfers from src at offset into dst, asynchronously.
func (q *Queue) EnqueueRead(src backends.Mem, offset int, dst []byte, withEvent bool) (backends.Event, error) {
	m, err := clMem(src)
	if err != nil {
		return nil, err
	}
	e, err := q.queue.EnqueueReadBuffer(m, false, offset, len(dst), unsafe.Pointer(unsafe.SliceData(dst)), nil)
	if err != nil {
		return nil, wrap("EnqueueReadBuffer", err)
	}
	return eventOrRelease(e, withEvent), nil
}

// EnqueueKernel launches kernel over globalSize work-items, in work-groups of localSize.
func (q *Queue) EnqueueKernel(kernel backends.Kernel, globalSize, localSize int, withEvent bool) (backends.Event, error) {
	k, ok := kernel.(*Kernel)
	if !ok {
		return nil, backends.NewDeviceError("EnqueueNDRangeKernel", backends.StatusInvalidKernel, "%T is not an opencl kernel", kernel)
	}
	e, err := q.queue.EnqueueNDRangeKernel(k.kernel, nil, []int{globalSize}, []int{localSize}, nil)
	if err != nil {
		return nil, wrap("EnqueueNDRangeKernel", err)
	}
	return eventOrRelease(e, withEvent), nil
}

// Flush submits the enqueued commands to the device.
func (q *Queue) Flush() error { return wrap("Flush", q.queue.Flush()) }

// Finish blocks until all enqueued commands have completed.
func (q *Queue) Finish() error { return wrap("Finish", q.queue.Finish()) }

// Finalize releases the queue.
func (q *Queue) Finalize() { q.queue.Release() }

// Event wraps a cl.Event.
type Event struct {
	event *cl.Event
}

// Wait blocks until the command completes.
func (e *Event) Wait() error {
	return wrap("WaitForEvents", cl.WaitForEvents([]*cl.Event{e.event}))
}

// Profile returns the command timestamps, on the device clock.
func (e *Event) Profile() (backends.Profile, error) {
	var p backends.Profile
	for _, field := range []struct {
		info cl.ProfilingInfo
		to   *time.Time
	}{
		{cl.ProfilingInfoCommandQueued, &p.Queued},
		{cl.ProfilingInfoCommandSubmit, &p.Submitted},
		{cl.ProfilingInfoCommandStart, &p.Started},
		{cl.ProfilingInfoCommandEnd, &p.Ended},
	} {
		ns, err := e.event.GetEventProfilingInfo(field.info)
		if err != nil {
			return backends.Profile{}, wrap("GetEventProfilingInfo", err)
		}
		*field.to = time.Unix(0, ns)
	}
	return p, nil
}

// Release the event.
func (e *Event) Release() { e.event.Release() }
