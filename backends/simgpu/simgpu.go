// Copyright 2025-2026 The GPUStream Authors. SPDX-License-Identifier: Apache-2.0

// Package simgpu implements a simulated GPU backend in pure Go.
//
// It models the parts of an OpenCL device gpustream depends on: in-order command queues that only
// start executing on flush, asynchronous transfers between pinned host memory and device memory,
// completion events with profiling timestamps, work-group geometry and local memory limits.
// Kernels are Go functions looked up by entry-point name (see RegisterKernel), with reference
// implementations of the relational operators registered by default.
//
// Configuration string, given as "sim:<config>": comma-separated "key=value" pairs.
//
//   - workers=N: number of goroutines executing work-groups; 0 runs them inline. Default runtime.NumCPU().
//   - localmem=BYTES: local memory per work-group. Default 48KiB.
//   - maxgroup=N: maximum work-group size. Default 1024.
//   - pinning=strict|besteffort: whether host buffers must be locked in memory. Default besteffort.
package simgpu

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/internal/workerspool"
	"github.com/lsds/gpustream/pinned"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GPUSTREAM_BACKEND to specify this backend.
const BackendName = "sim"

// Registers New() as the default constructor for the "sim" backend.
func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

const (
	defaultLocalMemory  = 48 * 1024
	defaultMaxGroupSize = 1024
)

// Option configures a Backend beyond what the configuration string can express.
type Option func(b *Backend)

// WithSelectPredicate sets the predicate used by the reference selection kernel.
// The default keeps tuples whose first attribute (Column(tuple, 1)) is positive.
func WithSelectPredicate(predicate func(tuple []byte) bool) Option {
	return func(b *Backend) { b.predicate = predicate }
}

// WithKernel adds (or overrides) an entry point only for this backend.
func WithKernel(name string, fn KernelFunc) Option {
	return func(b *Backend) { b.kernels[name] = fn }
}

// Backend implements backends.Backend with a simulated device.
type Backend struct {
	config       string
	workers      *workerspool.Pool
	localMemory  int
	maxGroupSize int
	pinMode      pinned.Mode
	predicate    func(tuple []byte) bool
	kernels      map[string]KernelFunc

	muFaults sync.Mutex
	faults   map[string][]int

	finalized bool
}

// Compile-time check that simgpu.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new simulated device from a configuration string (see package documentation).
func New(config string, options ...Option) (*Backend, error) {
	b := &Backend{
		config:       config,
		workers:      workerspool.New(),
		localMemory:  defaultLocalMemory,
		maxGroupSize: defaultMaxGroupSize,
		pinMode:      pinned.BestEffort,
		predicate:    func(tuple []byte) bool { return Column(tuple, 1) > 0 },
		kernels:      make(map[string]KernelFunc),
		faults:       make(map[string][]int),
	}
	library.Range(func(name string, fn KernelFunc) bool {
		b.kernels[name] = fn
		return true
	})
	if err := b.parseConfig(config); err != nil {
		return nil, err
	}
	for _, option := range options {
		option(b)
	}
	if b.kernels[SelectKernel] == nil {
		b.kernels[SelectKernel] = selection(b.predicate)
	}
	klog.V(1).Infof("simgpu: device created: %s", b.Description())
	return b, nil
}

func (b *Backend) parseConfig(config string) error {
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return errors.Errorf("simgpu: invalid configuration %q, expected key=value", part)
		}
		switch key {
		case "workers", "localmem", "maxgroup":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return errors.Errorf("simgpu: invalid value for %q: %q", key, value)
			}
			switch key {
			case "workers":
				b.workers.SetMaxParallelism(n)
			case "localmem":
				b.localMemory = n
			case "maxgroup":
				if n == 0 {
					return errors.Errorf("simgpu: maxgroup must be positive")
				}
				b.maxGroupSize = n
			}
		case "pinning":
			switch value {
			case "strict":
				b.pinMode = pinned.Strict
			case "besteffort":
				b.pinMode = pinned.BestEffort
			default:
				return errors.Errorf("simgpu: invalid pinning mode %q", value)
			}
		default:
			return errors.Errorf("simgpu: unknown configuration key %q", key)
		}
	}
	return nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	workers := "inline"
	if b.workers.IsUnlimited() {
		workers = "unlimited"
	} else if b.workers.IsEnabled() {
		workers = strconv.Itoa(b.workers.MaxParallelism())
	}
	return fmt.Sprintf("Simulated GPU (%s/%s): %s workers, %s local memory, max work-group %d",
		runtime.GOOS, runtime.GOARCH, workers, humanize.IBytes(uint64(b.localMemory)), b.maxGroupSize)
}

// LocalMemory returns the local memory available per work-group, in bytes.
func (b *Backend) LocalMemory() int { return b.localMemory }

// FailNext makes the next call of op fail with the given device status code.
//
// op is one of "Compile", "NewKernel", "NewBuffer", "NewHostBuffer", "SetArg", "EnqueueWrite",
// "EnqueueRead", "EnqueueKernel" (enqueue-time failures) or "ExecWrite", "ExecRead", "ExecKernel"
// (the command fails when the device executes it). It is used to exercise fatal paths in tests.
func (b *Backend) FailNext(op string, code int) {
	b.muFaults.Lock()
	defer b.muFaults.Unlock()
	b.faults[op] = append(b.faults[op], code)
}

// injected returns the pending injected failure for op, if any.
func (b *Backend) injected(op string) error {
	b.muFaults.Lock()
	defer b.muFaults.Unlock()
	codes := b.faults[op]
	if len(codes) == 0 {
		return nil
	}
	b.faults[op] = codes[1:]
	return backends.NewDeviceError(op, codes[0], "injected failure")
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	b.finalized = true
}

func (b *Backend) checkValid(op string) error {
	if b.finalized {
		return backends.NewDeviceError(op, backends.StatusInvalidValue, "backend %q already finalized", b.config)
	}
	return b.injected(op)
}
