// Copyright 2025-2026 The GPUStream Authors. SPDX-License-Identifier: Apache-2.0

// Package registry implements a bounded table of values addressed by typed, generation-counted handles.
//
// Slots are reused through a free-list; every reuse increments the slot generation, so a Handle to a
// removed value goes stale instead of silently addressing whatever took its place.
package registry

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrFull is returned by Add when all slots are in use.
	ErrFull = errors.New("registry is full")

	// ErrInvalidHandle is returned for handles that were never issued, or that were already removed.
	ErrInvalidHandle = errors.New("invalid handle")
)

// Handle addresses one value of a Registry. The zero Handle is never valid.
type Handle struct {
	index      int32
	generation uint32
}

// Index returns the slot index of the handle, a small integer useful for logging and metrics labels.
func (h Handle) Index() int { return int(h.index) }

// IsValid returns whether h was issued by some registry. It says nothing about it being still live.
func (h Handle) IsValid() bool { return h.generation != 0 }

// String implements fmt.Stringer.
func (h Handle) String() string {
	if !h.IsValid() {
		return "#invalid"
	}
	return fmt.Sprintf("#%d.%d", h.index, h.generation)
}

type slot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// Registry is a bounded table of values. It is safe for concurrent use.
type Registry[T any] struct {
	mu       sync.Mutex
	slots    []slot[T]
	free     []int32
	capacity int
}

// New creates a Registry that holds at most capacity values.
func New[T any](capacity int) *Registry[T] {
	return &Registry[T]{capacity: capacity}
}

// Capacity returns the maximum number of values held.
func (r *Registry[T]) Capacity() int { return r.capacity }

// Add stores value and returns its handle, or ErrFull.
func (r *Registry[T]) Add(value T) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var index int32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else if len(r.slots) < r.capacity {
		index = int32(len(r.slots))
		r.slots = append(r.slots, slot[T]{})
	} else {
		return Handle{}, errors.Wrapf(ErrFull, "all %d slots in use", r.capacity)
	}
	s := &r.slots[index]
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	s.value, s.live = value, true
	return Handle{index: index, generation: s.generation}, nil
}

// lockedSlot returns the live slot addressed by h.
func (r *Registry[T]) lockedSlot(h Handle) (*slot[T], error) {
	if !h.IsValid() || h.index < 0 || int(h.index) >= len(r.slots) {
		return nil, errors.Wrapf(ErrInvalidHandle, "handle %s", h)
	}
	s := &r.slots[h.index]
	if !s.live || s.generation != h.generation {
		return nil, errors.Wrapf(ErrInvalidHandle, "stale handle %s", h)
	}
	return s, nil
}

// Get returns the value addressed by h.
func (r *Registry[T]) Get(h Handle) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lockedSlot(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Remove deletes the value addressed by h and returns it. The slot is reused by later Add calls.
func (r *Registry[T]) Remove(h Handle) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	s, err := r.lockedSlot(h)
	if err != nil {
		return zero, err
	}
	value := s.value
	s.value, s.live = zero, false
	r.free = append(r.free, h.index)
	return value, nil
}

// Len returns the number of live values.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) - len(r.free)
}

// Handles returns the handles of all live values, in slot order.
func (r *Registry[T]) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]Handle, 0, len(r.slots)-len(r.free))
	for i := range r.slots {
		if r.slots[i].live {
			handles = append(handles, Handle{index: int32(i), generation: r.slots[i].generation})
		}
	}
	return handles
}
