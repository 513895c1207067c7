// Copyright 2025-2026 The GPUStream Authors. SPDX-License-Identifier: Apache-2.0

// Package pinned provides page-locked host memory: a scoped Pin over caller-owned memory, and
// page-aligned pinned Region's allocated from the OS.
//
// Devices transfer to and from pinned memory without an intermediate staging copy, which is what host
// buffers of a query are made of.
package pinned

import (
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrPinFailed is returned when the OS refuses to lock memory, usually because of RLIMIT_MEMLOCK.
	ErrPinFailed = errors.New("failed to pin host memory")

	// ErrNotAligned is returned when a host slice does not start on a page boundary.
	ErrNotAligned = errors.New("host memory is not page-aligned")
)

// PageSize returns the OS memory page size.
func PageSize() int {
	return os.Getpagesize()
}

// IsPageAligned returns whether b is non-empty and starts on a page boundary.
func IsPageAligned(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))%uintptr(PageSize()) == 0
}

// RoundUp rounds size up to a multiple of the page size.
func RoundUp(size int) int {
	page := PageSize()
	return (size + page - 1) / page * page
}

// Mode controls what happens when the OS refuses to lock memory.
type Mode int

const (
	// Strict fails with ErrPinFailed.
	Strict Mode = iota

	// BestEffort logs a warning (once) and continues with unlocked memory.
	BestEffort
)

var warnOnce sync.Once

// Pin is a scoped page-lock over a host slice. Unlock releases it, and is safe to call more than once.
type Pin struct {
	buf    []byte
	locked bool
	once   sync.Once
	err    error
}

// Lock pins b. The returned Pin must be unlocked with Unlock, usually with a defer.
func Lock(b []byte, mode Mode) (*Pin, error) {
	p := &Pin{buf: b}
	if len(b) == 0 {
		return p, nil
	}
	if err := mlock(b); err != nil {
		if mode == Strict {
			return nil, errors.Wrapf(ErrPinFailed, "mlock of %d bytes: %v", len(b), err)
		}
		warnOnce.Do(func() {
			klog.Warningf("pinned: mlock failed (%v), continuing with unlocked host memory", err)
		})
		return p, nil
	}
	p.locked = true
	return p, nil
}

// Bytes returns the pinned slice.
func (p *Pin) Bytes() []byte { return p.buf }

// Locked returns whether the OS actually locked the memory.
func (p *Pin) Locked() bool { return p.locked }

// Unlock releases the pin. Only the first call has an effect; later calls return the first result.
func (p *Pin) Unlock() error {
	p.once.Do(func() {
		if p.locked {
			p.err = munlock(p.buf)
			p.locked = false
		}
	})
	return p.err
}

// Region is a page-aligned pinned host allocation, obtained from the OS directly.
type Region struct {
	mem  []byte // Whole mapping, rounded up to pages.
	size int
	pin  *Pin
	once sync.Once
	err  error
}

// Alloc allocates a zeroed pinned region of at least size bytes, starting at a page boundary.
func Alloc(size int, mode Mode) (*Region, error) {
	if size <= 0 {
		return nil, errors.Errorf("pinned.Alloc: invalid size %d", size)
	}
	mem, err := mapAnonymous(RoundUp(size))
	if err != nil {
		return nil, errors.Wrapf(err, "pinned.Alloc(%d)", size)
	}
	pin, err := Lock(mem, mode)
	if err != nil {
		_ = unmap(mem)
		return nil, err
	}
	return &Region{mem: mem, size: size, pin: pin}, nil
}

// Bytes returns the usable part of the region, exactly the size requested.
func (r *Region) Bytes() []byte { return r.mem[:r.size:r.size] }

// Size requested for the region.
func (r *Region) Size() int { return r.size }

// Locked returns whether the region is locked in memory.
func (r *Region) Locked() bool { return r.pin.Locked() }

// Free unlocks and returns the region to the OS. It is safe to call more than once.
func (r *Region) Free() error {
	r.once.Do(func() {
		if err := r.pin.Unlock(); err != nil {
			klog.Warningf("pinned: munlock failed: %v", err)
		}
		r.err = unmap(r.mem)
		r.mem = nil
	})
	return r.err
}
