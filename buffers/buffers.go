// Copyright 2025-2026 The GPUStream Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers implements the Buffer Manager: every query buffer is a pinned host region mapped 1:1
// to a device-resident buffer of the same size.
//
// The host side is where the host callbacks read and write; the device side is what kernels see.
// Transfers between both are issued by the execution context.
package buffers

import (
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/pinned"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Flags of an output buffer.
type Flags uint8

const (
	// WriteOnly buffers are written by the device and drained by the host after a read stage.
	WriteOnly Flags = 1 << iota

	// DoNotMove buffers are excluded from bulk output moves.
	DoNotMove

	// BearsMark buffers encode a variable result length in their trailing int32 slots.
	BearsMark

	// ReadEvent marks the buffer whose read completion is waited on after an output move.
	ReadEvent
)

// Has returns whether all of flags are set.
func (f Flags) Has(flags Flags) bool { return f&flags == flags }

// String implements fmt.Stringer.
func (f Flags) String() string {
	var parts []string
	for _, flag := range []struct {
		f    Flags
		name string
	}{{WriteOnly, "WriteOnly"}, {DoNotMove, "DoNotMove"}, {BearsMark, "BearsMark"}, {ReadEvent, "ReadEvent"}} {
		if f.Has(flag.f) {
			parts = append(parts, flag.name)
		}
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

var (
	// ErrInvalidSize is returned for non-positive buffer sizes.
	ErrInvalidSize = errors.New("invalid buffer size")

	// ErrHostTooSmall is returned when a supplied host slice is shorter than the buffer.
	ErrHostTooSmall = errors.New("host memory smaller than buffer")
)

// Buffer is a pinned host region mapped to a device buffer.
type Buffer struct {
	host   backends.HostMem
	device backends.Mem
	size   int
	flags  Flags
	input  bool
	freed  bool
}

// Size in bytes of both sides of the buffer.
func (b *Buffer) Size() int { return b.size }

// Flags of the buffer. Input buffers have no flags.
func (b *Buffer) Flags() Flags { return b.flags }

// IsInput returns whether the buffer is a query input.
func (b *Buffer) IsInput() bool { return b.input }

// Host returns the host region. It must not be used after the buffer is released.
func (b *Buffer) Host() []byte { return b.host.Bytes() }

// HostMem returns the pinned host-side buffer, the source of write stages and destination of read stages.
func (b *Buffer) HostMem() backends.HostMem { return b.host }

// Device returns the device-resident buffer, the one bound to kernels.
func (b *Buffer) Device() backends.Mem { return b.device }

// Freed returns whether the buffer was released.
func (b *Buffer) Freed() bool { return b.freed }

// Manager allocates and releases query buffers on one device.
type Manager struct {
	backend backends.Backend

	// RequireAligned rejects supplied host slices that don't start on a page boundary.
	RequireAligned bool

	allocated, released int
}

// NewManager creates a Buffer Manager for backend.
func NewManager(backend backends.Backend) *Manager {
	return &Manager{backend: backend, RequireAligned: true}
}

// Live returns the number of buffers allocated and not yet released.
func (m *Manager) Live() int { return m.allocated - m.released }

func (m *Manager) validate(size int, host []byte) error {
	if size <= 0 {
		return errors.Wrapf(ErrInvalidSize, "size %d", size)
	}
	if host == nil {
		return nil
	}
	if len(host) < size {
		return errors.Wrapf(ErrHostTooSmall, "%d bytes for a buffer of %d", len(host), size)
	}
	if m.RequireAligned && !pinned.IsPageAligned(host) {
		return errors.Wrapf(pinned.ErrNotAligned, "host buffer of %d bytes", len(host))
	}
	return nil
}

// allocate creates both sides of a buffer. Configuration errors are returned; device errors are fatal.
func (m *Manager) allocate(queue backends.Queue, host []byte, size int) (backends.HostMem, backends.Mem, error) {
	if err := m.validate(size, host); err != nil {
		return nil, nil, err
	}
	hostMem, err := m.backend.NewHostBuffer(queue, size, host)
	if err != nil {
		if backends.StatusOf(err) == backends.StatusOutOfHostMemory {
			return nil, nil, errors.WithMessagef(err, "allocating %s of pinned host memory", humanize.IBytes(uint64(size)))
		}
		backends.AbortIf(err, "allocating pinned host buffer of %d bytes", size)
		return nil, nil, err
	}
	device, err := m.backend.NewBuffer(size)
	if err != nil {
		hostMem.Finalize()
		backends.AbortIf(err, "allocating device buffer of %d bytes", size)
		return nil, nil, err
	}
	m.allocated++
	return hostMem, device, nil
}

// AllocateInput creates an input buffer of size bytes, mapping host if given, or allocating pinned memory.
func (m *Manager) AllocateInput(queue backends.Queue, host []byte, size int) (*Buffer, error) {
	hostMem, device, err := m.allocate(queue, host, size)
	if err != nil {
		return nil, errors.WithMessage(err, "input buffer")
	}
	klog.V(2).Infof("buffers: input of %s allocated", humanize.IBytes(uint64(size)))
	return &Buffer{host: hostMem, device: device, size: size, input: true}, nil
}

// AllocateOutput creates an output buffer of size bytes with the given flags.
func (m *Manager) AllocateOutput(queue backends.Queue, host []byte, size int, flags Flags) (*Buffer, error) {
	hostMem, device, err := m.allocate(queue, host, size)
	if err != nil {
		return nil, errors.WithMessage(err, "output buffer")
	}
	klog.V(2).Infof("buffers: output of %s (%s) allocated", humanize.IBytes(uint64(size)), flags)
	return &Buffer{host: hostMem, device: device, size: size, flags: flags}, nil
}

// Release frees both sides of b. Releasing a nil or already released buffer is a no-op.
func (m *Manager) Release(b *Buffer) {
	if b == nil || b.freed {
		return
	}
	b.freed = true
	b.host.Finalize()
	b.device.Finalize()
	m.released++
}
