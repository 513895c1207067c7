// Copyright 2025-2026 The GPUStream Authors. SPDX-License-Identifier: Apache-2.0

// Package engine is the programmatic surface of gpustream: it opens queries on one device, binds their
// kernels and buffers, executes batches and tears everything down.
//
// Queries are addressed by registry.Handle. Handles of closed queries go stale, and using them returns
// ErrInvalidQuery. Queries with the same kernel source share one compiled program.
//
// Device errors are fatal (see backends.Abort); configuration errors are returned.
//
// Example:
//
//	e, err := engine.New(engine.Config{PipelineDepth: 2}, callbacks)
//	if err != nil { ... }
//	defer e.Teardown()
//	h, err := e.Open(source, 1, 1, 1)
//	err = e.BindInput(h, 0, inputSize)
//	err = e.BindOutput(h, 0, outputSize, buffers.WriteOnly)
//	err = e.BindKernel(h, 0, "projectKernel", operators.Project, constants.Int32s())
//	for more {
//		err = e.Execute(h, threads, threadsPerGroup)
//	}
//	err = e.Drain(h)
package engine

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/buffers"
	"github.com/lsds/gpustream/metrics"
	"github.com/lsds/gpustream/operators"
	"github.com/lsds/gpustream/pinned"
	"github.com/lsds/gpustream/query"
	"github.com/lsds/gpustream/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidQuery is returned for handles of queries never opened, or already closed.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrSlotOutOfRange is returned for kernel, input or output slots beyond the declared counts.
	ErrSlotOutOfRange = query.ErrSlotOutOfRange

	// ErrConstantsLength is returned when operator constants don't match the operator layout.
	ErrConstantsLength = operators.ErrConstantsLength

	// ErrFull is returned by Open when MaxQueries queries are open.
	ErrFull = registry.ErrFull

	// ErrTornDown is returned when using the engine after Teardown.
	ErrTornDown = errors.New("engine was torn down")
)

// Config of an Engine. Zero values are replaced by the defaults.
type Config struct {
	// Backend configuration, formatted as "<backend_name>:<backend_configuration>". If empty, backends.New
	// picks it, honoring the GPUSTREAM_BACKEND environment variable.
	Backend string

	// MaxQueries open at the same time. Default 16.
	MaxQueries int

	// PipelineDepth is the number of execution contexts of each query. Default 1 (synchronous).
	PipelineDepth int

	// HostBuffers is the capacity of the pinned host buffer pool. Default 16.
	HostBuffers int

	// PinningMode of the host buffer pool.
	PinningMode pinned.Mode

	// Profiling enables device timestamps. Stage latencies are then exported as metrics.
	Profiling bool

	// ClearInputs zeroes input host regions before asking the host to fill them.
	ClearInputs bool

	// CustomSplit is the first kernel launched with the secondary geometry of ExecuteCustom. Default 1.
	CustomSplit int

	// ProgramCacheSize is the number of compiled programs kept for reuse. Default 8.
	ProgramCacheSize int

	// Metrics where to export counters. If nil, a new one with namespace "gpustream" is created.
	Metrics *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.MaxQueries <= 0 {
		c.MaxQueries = 16
	}
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = 1
	}
	if c.HostBuffers <= 0 {
		c.HostBuffers = 16
	}
	if c.CustomSplit <= 0 {
		c.CustomSplit = 1
	}
	if c.ProgramCacheSize <= 0 {
		c.ProgramCacheSize = 8
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New("gpustream")
	}
}

// openQuery is one entry of the query registry.
type openQuery struct {
	q        *query.Query
	program  *cachedProgram
	operator string
}

// Engine serves queries on one device. It is safe for concurrent use across queries, but each query
// must be driven by a single goroutine.
type Engine struct {
	id          uuid.UUID
	config      Config
	backend     backends.Backend
	ownsBackend bool
	callbacks   query.HostCallbacks
	metrics     *metrics.Metrics

	queries *registry.Registry[*openQuery]

	mu       sync.Mutex
	programs *lru.Cache[string, *cachedProgram]
	pool     *buffers.Pool
	tornDown bool
}

// New creates an Engine on the backend selected by config.Backend.
func New(config Config, callbacks query.HostCallbacks) (*Engine, error) {
	var backend backends.Backend
	var err error
	if config.Backend == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(config.Backend)
	}
	if err != nil {
		return nil, err
	}
	e, err := NewWithBackend(backend, config, callbacks)
	if err != nil {
		backend.Finalize()
		return nil, err
	}
	e.ownsBackend = true
	return e, nil
}

// NewWithBackend creates an Engine on the given backend, which is not finalized by Teardown.
func NewWithBackend(backend backends.Backend, config Config, callbacks query.HostCallbacks) (*Engine, error) {
	config.setDefaults()
	if callbacks == nil {
		callbacks = query.NoCallbacks{}
	}
	e := &Engine{
		id:        uuid.New(),
		config:    config,
		backend:   backend,
		callbacks: callbacks,
		metrics:   config.Metrics,
		queries:   registry.New[*openQuery](config.MaxQueries),
		pool:      buffers.NewPool(config.HostBuffers, config.PinningMode),
	}
	var err error
	e.programs, err = lru.NewWithEvict[string, *cachedProgram](config.ProgramCacheSize, e.onEvict)
	if err != nil {
		return nil, errors.Wrapf(err, "creating program cache of size %d", config.ProgramCacheSize)
	}
	klog.V(1).Infof("engine %s on %s: up to %d queries of depth %d", e.id, backend.Description(), config.MaxQueries, config.PipelineDepth)
	return e, nil
}

// ID identifies the engine instance in logs.
func (e *Engine) ID() uuid.UUID { return e.id }

// Backend returns the device backend of the engine.
func (e *Engine) Backend() backends.Backend { return e.backend }

// Metrics returns the collectors updated by the engine.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Config returns the engine configuration, with defaults filled in.
func (e *Engine) Config() Config { return e.config }

// Open creates a query running kernels of source, with the given number of kernel, input and output slots.
func (e *Engine) Open(source string, kernels, inputs, outputs int) (registry.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tornDown {
		return registry.Handle{}, ErrTornDown
	}
	if kernels <= 0 || inputs < 0 || outputs < 0 {
		return registry.Handle{}, errors.Errorf("invalid query shape: %d kernels, %d inputs, %d outputs", kernels, inputs, outputs)
	}
	program, err := e.acquireProgram(source)
	if err != nil {
		return registry.Handle{}, err
	}
	qConfig := query.Config{
		Depth:       e.config.PipelineDepth,
		NumKernels:  kernels,
		NumInputs:   inputs,
		NumOutputs:  outputs,
		Profiling:   e.config.Profiling,
		ClearInputs: e.config.ClearInputs,
		CustomSplit: min(e.config.CustomSplit, kernels),
	}
	if e.config.Profiling {
		qConfig.Profiler = e.metrics
	}
	q, err := query.New(e.backend, program.program, e.callbacks, qConfig)
	if err != nil {
		e.releaseProgram(program)
		return registry.Handle{}, err
	}
	h, err := e.queries.Add(&openQuery{q: q, program: program})
	if err != nil {
		q.Free()
		e.releaseProgram(program)
		return registry.Handle{}, err
	}
	q.SetHandle(h)
	e.metrics.OpenQueries.Inc()
	klog.V(1).Infof("query %s opened: %d kernels, %d inputs, %d outputs", h, kernels, inputs, outputs)
	return h, nil
}

func (e *Engine) lookup(h registry.Handle) (*openQuery, error) {
	oq, err := e.queries.Get(h)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidQuery, "query %s", h)
	}
	return oq, nil
}

// Query returns the query addressed by h, for direct access to its contexts.
func (e *Engine) Query(h registry.Handle) (*query.Query, error) {
	oq, err := e.lookup(h)
	if err != nil {
		return nil, err
	}
	return oq.q, nil
}

// Close frees the query addressed by h. Its handle goes stale.
func (e *Engine) Close(h registry.Handle) error {
	oq, err := e.queries.Remove(h)
	if err != nil {
		return errors.Wrapf(ErrInvalidQuery, "query %s", h)
	}
	oq.q.Free()
	e.mu.Lock()
	e.releaseProgram(oq.program)
	e.mu.Unlock()
	e.metrics.OpenQueries.Dec()
	return nil
}

// Teardown closes every query, frees the host buffer pool and programs, and finalizes the backend if the
// engine created it. Calling it again is a no-op.
func (e *Engine) Teardown() {
	for _, h := range e.queries.Handles() {
		_ = e.Close(h)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tornDown {
		return
	}
	e.tornDown = true
	e.pool.Close()
	e.programs.Purge()
	if e.ownsBackend {
		e.backend.Finalize()
	}
	klog.V(1).Infof("engine %s on %s torn down", e.id, e.backend.Name())
}

// BindKernel creates the kernel for entry point name at slot of every context of the query, binding
// the buffers and constants of operator kind. Buffers must be bound before the kernels using them.
func (e *Engine) BindKernel(h registry.Handle, slot int, name string, kind operators.Kind, constants []int32) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	if err = oq.q.SetKernel(slot, name, kind, constants); err != nil {
		return err
	}
	oq.operator = kind.String()
	return nil
}

// BindOperator binds every entry point of operator kind to consecutive kernel slots, starting at 0.
func (e *Engine) BindOperator(h registry.Handle, kind operators.Kind, constants []int32) error {
	layout, err := operators.Layout(kind)
	if err != nil {
		return err
	}
	for slot, name := range layout.EntryPoints {
		if err := e.BindKernel(h, slot, name, kind, constants); err != nil {
			return err
		}
	}
	return nil
}

// BindInput allocates the input buffer at slot with size bytes of pinned memory.
func (e *Engine) BindInput(h registry.Handle, slot, size int) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	return oq.q.SetInput(slot, nil, size)
}

// BindInputHost maps host as the input buffer at slot. host must be page-aligned, e.g. from HostBuffer.
func (e *Engine) BindInputHost(h registry.Handle, slot int, host []byte) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	return oq.q.SetInput(slot, host, len(host))
}

// BindOutput allocates the output buffer at slot with size bytes of pinned memory.
func (e *Engine) BindOutput(h registry.Handle, slot, size int, flags buffers.Flags) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	return oq.q.SetOutput(slot, nil, size, flags)
}

// BindOutputHost maps host as the output buffer at slot. host must be page-aligned, e.g. from HostBuffer.
func (e *Engine) BindOutputHost(h registry.Handle, slot int, host []byte, flags buffers.Flags) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	return oq.q.SetOutput(slot, host, len(host), flags)
}

// Execute runs one batch of the query, every kernel with threads work items in groups of threadsPerGroup.
func (e *Engine) Execute(h registry.Handle, threads, threadsPerGroup int) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	if err = oq.q.Execute(oq.q.Uniform(query.Geometry{Threads: threads, ThreadsPerGroup: threadsPerGroup})); err != nil {
		return err
	}
	e.executed(oq)
	return nil
}

// ExecuteCustom runs one batch of the query, with the kernels from Config.CustomSplit on launched with
// the secondary geometry.
func (e *Engine) ExecuteCustom(h registry.Handle, threads, threadsPerGroup, threads2, threadsPerGroup2 int) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	err = oq.q.ExecuteCustom(query.Geometry{Threads: threads, ThreadsPerGroup: threadsPerGroup},
		query.Geometry{Threads: threads2, ThreadsPerGroup: threadsPerGroup2})
	if err != nil {
		return err
	}
	e.executed(oq)
	return nil
}

func (e *Engine) executed(oq *openQuery) {
	e.metrics.Executed(oq.operator)
	in, out := transferSizes(oq.q.Context(0), false)
	e.metrics.Moved(metrics.HostToDevice, in)
	e.metrics.Moved(metrics.DeviceToHost, out)
}

// transferSizes returns the bytes a batch writes and reads.
func transferSizes(ctx *query.Context, movableOnly bool) (in, out int) {
	for i := range ctx.NumInputs() {
		if b := ctx.Input(i); b != nil {
			in += b.Size()
		}
	}
	for i := range ctx.NumOutputs() {
		if b := ctx.Output(i); b != nil && !(movableOnly && b.Flags().Has(buffers.DoNotMove)) {
			out += b.Size()
		}
	}
	return
}

// Drain waits for every batch of the query still in flight and hands their outputs to the host.
func (e *Engine) Drain(h registry.Handle) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	return oq.q.Drain()
}

// CopyInputs only runs the input host callbacks of the query.
func (e *Engine) CopyInputs(h registry.Handle) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	return oq.q.CopyInputBuffers()
}

// CopyOutputs only runs the output host callbacks of the query.
func (e *Engine) CopyOutputs(h registry.Handle) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	return oq.q.CopyOutputBuffers()
}

// MoveInputs only transfers the inputs of the query to the device.
func (e *Engine) MoveInputs(h registry.Handle) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	if err = oq.q.MoveInputBuffers(); err != nil {
		return err
	}
	in, _ := transferSizes(oq.q.Context(0), true)
	e.metrics.Moved(metrics.HostToDevice, in)
	return nil
}

// MoveOutputs only transfers the movable outputs of the query from the device.
func (e *Engine) MoveOutputs(h registry.Handle) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	if err = oq.q.MoveOutputBuffers(); err != nil {
		return err
	}
	_, out := transferSizes(oq.q.Context(0), true)
	e.metrics.Moved(metrics.DeviceToHost, out)
	return nil
}

// MoveInputsAndOutputs transfers the inputs and the movable outputs of the query.
func (e *Engine) MoveInputsAndOutputs(h registry.Handle) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	if err = oq.q.MoveInputAndOutputBuffers(); err != nil {
		return err
	}
	in, out := transferSizes(oq.q.Context(0), true)
	e.metrics.Moved(metrics.HostToDevice, in)
	e.metrics.Moved(metrics.DeviceToHost, out)
	return nil
}

// TestDataMovement runs callbacks and transfers of a batch of the query, without launching kernels.
func (e *Engine) TestDataMovement(h registry.Handle) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	if err = oq.q.TestDataMovement(); err != nil {
		return err
	}
	in, out := transferSizes(oq.q.Context(0), true)
	e.metrics.Moved(metrics.HostToDevice, in)
	e.metrics.Moved(metrics.DeviceToHost, out)
	return nil
}

// MoveDirectInputs transfers the host range [starts[i], ends[i]) of every input i of the query. Invalid
// ranges are fatal.
func (e *Engine) MoveDirectInputs(h registry.Handle, starts, ends []int) error {
	oq, err := e.lookup(h)
	if err != nil {
		return err
	}
	if err = oq.q.MoveDirectInputBuffers(starts, ends); err != nil {
		return err
	}
	var moved int
	for i := range starts {
		moved += ends[i] - starts[i]
	}
	e.metrics.Moved(metrics.HostToDevice, moved)
	return nil
}

// HostBuffer allocates a page-aligned pinned host buffer of size bytes from the engine pool, to be bound
// with BindInputHost or BindOutputHost.
func (e *Engine) HostBuffer(size int) (registry.Handle, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tornDown {
		return registry.Handle{}, nil, ErrTornDown
	}
	h, b, err := e.pool.Get(size)
	if err != nil {
		return registry.Handle{}, nil, err
	}
	klog.V(2).Infof("host buffer %s of %s allocated", h, humanize.IBytes(uint64(size)))
	return h, b, nil
}

// ReleaseHostBuffer returns the host buffer addressed by h to the pool. Queries must no longer use it.
func (e *Engine) ReleaseHostBuffer(h registry.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.Put(h)
}
