// Copyright 2025-2026 The GPUStream Authors. SPDX-License-Identifier: Apache-2.0

// Package query implements the GPU query execution contexts and the pipelined ring of contexts of a query.
//
// A Query holds D execution contexts. Each call to Execute uses the next context in round-robin order:
// it asks the host to fill the inputs, submits the write, kernel and read stages of the batch, and then
// waits for and drains the oldest batch still in flight. With D=1 every Execute is synchronous; with
// D>1 the transfers of up to D-1 batches overlap with the host work of the next ones.
//
// Device errors are fatal (see backends.Abort). Configuration errors are returned.
package query

import (
	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/buffers"
	"github.com/lsds/gpustream/operators"
	"github.com/lsds/gpustream/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrSlotOutOfRange is returned for kernel, input or output slots beyond the declared counts.
	ErrSlotOutOfRange = errors.New("slot out of range")

	// ErrSlotNotBound is returned when executing with kernel or buffer slots still empty.
	ErrSlotNotBound = errors.New("slot not bound")

	// ErrGeometry is returned for inconsistent launch geometries or transfer ranges.
	ErrGeometry = errors.New("invalid geometry")

	// ErrFreed is returned when using a query or context after it was freed.
	ErrFreed = errors.New("query already freed")
)

// Geometry of a kernel launch: Threads work items in work groups of ThreadsPerGroup.
type Geometry struct {
	Threads, ThreadsPerGroup int
}

// Profiler receives the profile of every batch drained, when profiling is enabled.
type Profiler interface {
	ObserveBatch(query registry.Handle, kernels []string, profile Profile)
}

// Config of a Query.
type Config struct {
	// Depth is the number of execution contexts in the pipeline ring. Defaults to 1.
	Depth int

	NumKernels, NumInputs, NumOutputs int

	// Profiling enables event timestamps on the command queues, reported to Profiler.
	Profiling bool
	Profiler  Profiler

	// ClearInputs zeroes input host regions before each InputReady callback.
	ClearInputs bool

	// CustomSplit is the first kernel that uses the secondary geometry in ExecuteCustom. Defaults to 1.
	CustomSplit int
}

// Query is a pipelined ring of execution contexts sharing one compiled program.
//
// The program and backend are shared, not owned: Free doesn't release them.
type Query struct {
	handle   registry.Handle
	config   Config
	program  backends.Program
	contexts []*Context

	// phase is the index of the context used by the next Execute.
	phase int

	executions, drained int
	freed               bool
}

// New creates a Query with config.Depth contexts, each with its own queues and (still unbound) slots.
func New(backend backends.Backend, program backends.Program, callbacks HostCallbacks, config Config) (*Query, error) {
	if config.Depth == 0 {
		config.Depth = 1
	}
	if config.CustomSplit == 0 {
		config.CustomSplit = 1
	}
	if config.Depth < 0 {
		return nil, errors.Errorf("invalid pipeline depth %d", config.Depth)
	}
	if config.CustomSplit < 0 || (config.NumKernels > 0 && config.CustomSplit > config.NumKernels) {
		return nil, errors.Errorf("invalid custom split %d for %d kernels", config.CustomSplit, config.NumKernels)
	}
	q := &Query{config: config, program: program, contexts: make([]*Context, config.Depth)}
	for i := range q.contexts {
		ctx, err := NewContext(i, backend, program, callbacks, config.NumKernels, config.NumInputs, config.NumOutputs,
			config.Profiling, config.ClearInputs)
		if err != nil {
			q.Free()
			return nil, err
		}
		q.contexts[i] = ctx
	}
	klog.V(1).Infof("query created: depth %d, %d kernels, %d inputs, %d outputs",
		config.Depth, config.NumKernels, config.NumInputs, config.NumOutputs)
	return q, nil
}

// SetHandle sets the handle passed to the host callbacks.
func (q *Query) SetHandle(h registry.Handle) {
	q.handle = h
	for _, ctx := range q.contexts {
		if ctx != nil {
			ctx.setHandle(h)
		}
	}
}

// Handle returns the handle passed to the host callbacks.
func (q *Query) Handle() registry.Handle { return q.handle }

// Depth returns the number of contexts in the ring.
func (q *Query) Depth() int { return len(q.contexts) }

// Config returns the configuration of the query, with defaults filled in.
func (q *Query) Config() Config { return q.config }

// Context returns the i-th context of the ring.
func (q *Query) Context(i int) *Context { return q.contexts[i] }

// Executions returns the number of batches executed and the number drained so far.
func (q *Query) Executions() (executed, drained int) { return q.executions, q.drained }

// Freed returns whether Free was called.
func (q *Query) Freed() bool { return q.freed }

func (q *Query) forEach(fn func(ctx *Context) error) error {
	if q.freed {
		return errors.Wrapf(ErrFreed, "query %s", q.handle)
	}
	for _, ctx := range q.contexts {
		if err := fn(ctx); err != nil {
			return errors.WithMessagef(err, "context %d", ctx.Index())
		}
	}
	return nil
}

// SetKernel binds entry point name at kernel slot of every context.
func (q *Query) SetKernel(slot int, name string, kind operators.Kind, constants []int32) error {
	return q.forEach(func(ctx *Context) error { return ctx.SetKernel(slot, name, kind, constants) })
}

// SetInput allocates the input buffer at slot of every context.
//
// If host is given, it is shared by all contexts: only meaningful for a query of depth 1, or when
// contexts are known not to be in flight at the same time.
func (q *Query) SetInput(slot int, host []byte, size int) error {
	return q.forEach(func(ctx *Context) error { return ctx.SetInput(slot, host, size) })
}

// SetOutput allocates the output buffer at slot of every context.
func (q *Query) SetOutput(slot int, host []byte, size int, flags buffers.Flags) error {
	return q.forEach(func(ctx *Context) error { return ctx.SetOutput(slot, host, size, flags) })
}

// Switch returns the context for the next batch and advances the ring.
func (q *Query) Switch() *Context {
	ctx := q.contexts[q.phase]
	q.phase = (q.phase + 1) % len(q.contexts)
	return ctx
}

// Uniform returns the per-kernel geometry arrays for launching every kernel with the same geometry.
func (q *Query) Uniform(g Geometry) (threads, groupSizes []int) {
	threads = make([]int, q.config.NumKernels)
	groupSizes = make([]int, q.config.NumKernels)
	for i := range threads {
		threads[i], groupSizes[i] = g.Threads, g.ThreadsPerGroup
	}
	return
}

// Execute runs one batch through the next context of the ring, with per-kernel geometries, and
// then drains the oldest batch in flight.
func (q *Query) Execute(threads, groupSizes []int) error {
	if q.freed {
		return errors.Wrapf(ErrFreed, "query %s", q.handle)
	}
	ctx := q.contexts[q.phase]
	if err := ctx.checkBound(true, true, true); err != nil {
		return err
	}
	if err := ctx.checkGeometry(threads, groupSizes); err != nil {
		return err
	}
	k := q.executions
	q.Switch()
	if err := ctx.WriteInput(); err != nil {
		return err
	}
	if err := ctx.SubmitTask(threads, groupSizes); err != nil {
		return err
	}
	ctx.Flush()
	q.executions++
	klog.V(2).Infof("query %s: batch %d submitted on context %d", q.handle, k, ctx.Index())

	// The oldest batch in flight is at the context Execute uses next.
	return q.drain(q.contexts[q.phase])
}

// ExecuteCustom runs one batch like Execute, launching kernels before Config.CustomSplit with the primary
// geometry and the rest with the secondary one.
func (q *Query) ExecuteCustom(primary, secondary Geometry) error {
	threads, groupSizes := q.Uniform(primary)
	for i := q.config.CustomSplit; i < len(threads); i++ {
		threads[i], groupSizes[i] = secondary.Threads, secondary.ThreadsPerGroup
	}
	return q.Execute(threads, groupSizes)
}

// drain waits for the batch in flight at ctx, if any, and hands its outputs to the host.
func (q *Query) drain(ctx *Context) error {
	ctx.WaitForWriteEvent()
	if !ctx.WaitForReadEvent() {
		return nil
	}
	if q.config.Profiling {
		q.report(ctx)
	}
	q.drained++
	return ctx.ReadOutput()
}

func (q *Query) report(ctx *Context) {
	p := ctx.Profile()
	klog.V(2).Infof("[PRF] query %s context %d: write %s kernels %s read %s total %s",
		q.handle, ctx.Index(), p.Write.Duration(), p.KernelsDuration(), p.Read.Duration(), p.Total())
	if q.config.Profiler != nil {
		names := make([]string, 0, len(ctx.kernels))
		for _, k := range ctx.kernels {
			names = append(names, k.Name)
		}
		q.config.Profiler.ObserveBatch(q.handle, names, p)
	}
}

// Drain waits for every batch still in flight, oldest first, and hands their outputs to the host.
func (q *Query) Drain() error {
	if q.freed {
		return errors.Wrapf(ErrFreed, "query %s", q.handle)
	}
	for i := range q.contexts {
		if err := q.drain(q.contexts[(q.phase+i)%len(q.contexts)]); err != nil {
			return err
		}
	}
	return nil
}

// CopyInputBuffers only runs the input host callbacks on the next context.
func (q *Query) CopyInputBuffers() error {
	if q.freed {
		return errors.Wrapf(ErrFreed, "query %s", q.handle)
	}
	return q.Switch().WriteInput()
}

// CopyOutputBuffers only runs the output host callbacks on the next context.
func (q *Query) CopyOutputBuffers() error {
	if q.freed {
		return errors.Wrapf(ErrFreed, "query %s", q.handle)
	}
	return q.Switch().ReadOutput()
}

// MoveInputBuffers only transfers the inputs of the next context to the device, and waits for it.
func (q *Query) MoveInputBuffers() error {
	if q.freed {
		return errors.Wrapf(ErrFreed, "query %s", q.handle)
	}
	ctx := q.Switch()
	if err := ctx.MoveInputBuffers(); err != nil {
		return err
	}
	ctx.Flush()
	ctx.WaitForWriteEvent()
	return nil
}

// MoveOutputBuffers only transfers the movable outputs of the next context from the device, and waits for it.
func (q *Query) MoveOutputBuffers() error {
	if q.freed {
		return errors.Wrapf(ErrFreed, "query %s", q.handle)
	}
	ctx := q.Switch()
	if err := ctx.MoveOutputBuffers(); err != nil {
		return err
	}
	ctx.Flush()
	ctx.WaitForReadEvent()
	return nil
}

// MoveInputAndOutputBuffers transfers the inputs and the movable outputs of the next context, and waits for both.
func (q *Query) MoveInputAndOutputBuffers() error {
	if q.freed {
		return errors.Wrapf(ErrFreed, "query %s", q.handle)
	}
	ctx := q.Switch()
	if err := ctx.MoveInputBuffers(); err != nil {
		return err
	}
	if err := ctx.MoveOutputBuffers(); err != nil {
		return err
	}
	ctx.Flush()
	ctx.WaitForWriteEvent()
	ctx.WaitForReadEvent()
	return nil
}

// TestDataMovement runs a whole batch on the next context without launching kernels: input callbacks,
// write, read and output callbacks.
func (q *Query) TestDataMovement() error {
	if q.freed {
		return errors.Wrapf(ErrFreed, "query %s", q.handle)
	}
	ctx := q.Switch()
	if err := ctx.WriteInput(); err != nil {
		return err
	}
	if err := ctx.MoveInputBuffers(); err != nil {
		return err
	}
	if err := ctx.MoveOutputBuffers(); err != nil {
		return err
	}
	ctx.Flush()
	// The read event may ride on an earlier output than the last one.
	ctx.Finish()
	ctx.WaitForWriteEvent()
	ctx.WaitForReadEvent()
	return ctx.ReadOutput()
}

// MoveDirectInputBuffers transfers the host range [starts[i], ends[i]) of every input i of the next
// context, and waits for it. Any invalid range is fatal, and then nothing is transferred.
func (q *Query) MoveDirectInputBuffers(starts, ends []int) error {
	if q.freed {
		return errors.Wrapf(ErrFreed, "query %s", q.handle)
	}
	ctx := q.Switch()
	if err := ctx.MoveDirectInputBuffers(starts, ends); err != nil {
		return err
	}
	ctx.Flush()
	ctx.WaitForWriteEvent()
	return nil
}

// Free releases every context. Calling it again is a no-op.
func (q *Query) Free() {
	if q.freed {
		return
	}
	q.freed = true
	for _, ctx := range q.contexts {
		if ctx != nil {
			ctx.Free()
		}
	}
	klog.V(1).Infof("query %s freed after %d batches", q.handle, q.executions)
}
