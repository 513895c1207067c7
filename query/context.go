// Copyright 2025-2026 The GPUStream Authors. SPDX-License-Identifier: Apache-2.0

package query

import (
	"encoding/binary"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/buffers"
	"github.com/lsds/gpustream/operators"
	"github.com/lsds/gpustream/registry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelBinding is one compiled entry point with its operator arguments bound.
type KernelBinding struct {
	Name      string
	Kind      operators.Kind
	Constants []int32
	Kernel    backends.Kernel
}

// Profile holds the device timestamps of the stages of the last batch of a context. It is only filled
// when profiling is enabled.
type Profile struct {
	Write   backends.Profile
	Kernels []backends.Profile
	Read    backends.Profile
}

// Total returns the time from the start of the write stage to the end of the read stage.
func (p Profile) Total() time.Duration { return p.Read.Ended.Sub(p.Write.Started) }

// KernelsDuration returns the device time spent in kernels.
func (p Profile) KernelsDuration() time.Duration {
	var d time.Duration
	for _, k := range p.Kernels {
		d += k.Duration()
	}
	return d
}

// Context is one pipeline slot of a query: its own buffers, kernel bindings and command queues.
//
// A Context is not safe for concurrent use. It is owned by its Query.
type Context struct {
	index     int
	handle    registry.Handle
	backend   backends.Backend
	program   backends.Program
	manager   *buffers.Manager
	callbacks HostCallbacks

	// queues[0] is where every stage is enqueued; queues[1] is only flushed and finished.
	queues [2]backends.Queue

	kernels         []*KernelBinding
	inputs, outputs []*buffers.Buffer

	profiling, clearInputs bool

	scheduled             bool
	writeCount, readCount int
	writeEvent, readEvent backends.Event
	kernelEvents          []backends.Event
	profile               Profile

	freed bool
}

// NewContext creates an execution context with numKernels kernel slots, numInputs input buffers slots and
// numOutputs output buffer slots, all empty.
func NewContext(index int, backend backends.Backend, program backends.Program, callbacks HostCallbacks,
	numKernels, numInputs, numOutputs int, profiling, clearInputs bool) (*Context, error) {
	if numKernels < 0 || numInputs < 0 || numOutputs < 0 {
		return nil, errors.Errorf("invalid context shape: %d kernels, %d inputs, %d outputs", numKernels, numInputs, numOutputs)
	}
	if callbacks == nil {
		callbacks = NoCallbacks{}
	}
	c := &Context{
		index:       index,
		backend:     backend,
		program:     program,
		manager:     buffers.NewManager(backend),
		callbacks:   callbacks,
		kernels:     make([]*KernelBinding, numKernels),
		inputs:      make([]*buffers.Buffer, numInputs),
		outputs:     make([]*buffers.Buffer, numOutputs),
		profiling:   profiling,
		clearInputs: clearInputs,
	}
	for i := range c.queues {
		q, err := backend.NewQueue(profiling)
		backends.AbortIf(err, "context %d: creating command queue %d", index, i)
		if err != nil {
			return nil, err
		}
		c.queues[i] = q
	}
	if profiling {
		c.kernelEvents = make([]backends.Event, numKernels)
	}
	return c, nil
}

func (c *Context) setHandle(h registry.Handle) { c.handle = h }

// Index of the context in its query ring.
func (c *Context) Index() int { return c.index }

// Manager returns the Buffer Manager holding the context buffers.
func (c *Context) Manager() *buffers.Manager { return c.manager }

// Scheduled returns whether a batch was submitted and not yet fully waited.
func (c *Context) Scheduled() bool { return c.scheduled }

// InFlight returns the batches whose write and read stages were submitted and not yet waited.
func (c *Context) InFlight() (writes, reads int) { return c.writeCount, c.readCount }

func checkSlot(what string, slot, count int) error {
	if slot < 0 || slot >= count {
		return errors.Wrapf(ErrSlotOutOfRange, "%s slot %d (%d declared)", what, slot, count)
	}
	return nil
}

// SetKernel creates the kernel for entry point name, binds its operator arguments and stores it at slot.
// A kernel previously bound at slot is released.
func (c *Context) SetKernel(slot int, name string, kind operators.Kind, constants []int32) error {
	if err := checkSlot("kernel", slot, len(c.kernels)); err != nil {
		return err
	}
	kernel, err := c.program.NewKernel(name)
	backends.AbortIf(err, "context %d: creating kernel %q", c.index, name)
	if err != nil {
		return err
	}
	if err = operators.Bind(kind, kernel, c, constants); err != nil {
		kernel.Finalize()
		return errors.WithMessagef(err, "binding kernel %q to slot %d", name, slot)
	}
	if prev := c.kernels[slot]; prev != nil {
		klog.Warningf("context %d: rebinding kernel slot %d (%q replaced by %q)", c.index, slot, prev.Name, name)
		prev.Kernel.Finalize()
	}
	c.kernels[slot] = &KernelBinding{Name: name, Kind: kind, Constants: append([]int32(nil), constants...), Kernel: kernel}
	return nil
}

// Kernel returns the binding at slot, or nil.
func (c *Context) Kernel(slot int) *KernelBinding {
	if slot < 0 || slot >= len(c.kernels) {
		return nil
	}
	return c.kernels[slot]
}

// SetInput allocates an input buffer of size bytes at slot, mapping host if not nil.
func (c *Context) SetInput(slot int, host []byte, size int) error {
	if err := checkSlot("input", slot, len(c.inputs)); err != nil {
		return err
	}
	b, err := c.manager.AllocateInput(c.queues[0], host, size)
	if err != nil {
		return err
	}
	prev := c.inputs[slot]
	c.inputs[slot] = b
	if prev != nil {
		klog.Warningf("context %d: rebinding input slot %d", c.index, slot)
		c.manager.Release(prev)
		return c.rebindKernels()
	}
	return nil
}

// SetOutput allocates an output buffer of size bytes at slot, mapping host if not nil.
func (c *Context) SetOutput(slot int, host []byte, size int, flags buffers.Flags) error {
	if err := checkSlot("output", slot, len(c.outputs)); err != nil {
		return err
	}
	b, err := c.manager.AllocateOutput(c.queues[0], host, size, flags)
	if err != nil {
		return err
	}
	prev := c.outputs[slot]
	c.outputs[slot] = b
	if prev != nil {
		klog.Warningf("context %d: rebinding output slot %d", c.index, slot)
		c.manager.Release(prev)
		return c.rebindKernels()
	}
	return nil
}

// rebindKernels binds again the arguments of every kernel, after a buffer they may use was replaced.
func (c *Context) rebindKernels() error {
	for slot, k := range c.kernels {
		if k == nil {
			continue
		}
		if err := operators.Bind(k.Kind, k.Kernel, c, k.Constants); err != nil {
			return errors.WithMessagef(err, "rebinding kernel %q at slot %d", k.Name, slot)
		}
	}
	return nil
}

// Input returns the input buffer at slot, or nil.
func (c *Context) Input(slot int) *buffers.Buffer {
	if slot < 0 || slot >= len(c.inputs) {
		return nil
	}
	return c.inputs[slot]
}

// Output returns the output buffer at slot, or nil.
func (c *Context) Output(slot int) *buffers.Buffer {
	if slot < 0 || slot >= len(c.outputs) {
		return nil
	}
	return c.outputs[slot]
}

// NumInputs implements operators.Resources.
func (c *Context) NumInputs() int { return len(c.inputs) }

// NumOutputs implements operators.Resources.
func (c *Context) NumOutputs() int { return len(c.outputs) }

// InputMem implements operators.Resources.
func (c *Context) InputMem(index int) backends.Mem {
	if b := c.Input(index); b != nil {
		return b.Device()
	}
	return nil
}

// OutputMem implements operators.Resources.
func (c *Context) OutputMem(index int) backends.Mem {
	if b := c.Output(index); b != nil {
		return b.Device()
	}
	return nil
}

// checkBound verifies every slot is bound, before anything is enqueued.
func (c *Context) checkBound(kernels, inputs, outputs bool) error {
	if c.freed {
		return errors.Wrapf(ErrFreed, "context %d", c.index)
	}
	if kernels {
		for i, k := range c.kernels {
			if k == nil {
				return errors.Wrapf(ErrSlotNotBound, "context %d: kernel slot %d", c.index, i)
			}
		}
	}
	if inputs {
		for i, b := range c.inputs {
			if b == nil {
				return errors.Wrapf(ErrSlotNotBound, "context %d: input slot %d", c.index, i)
			}
		}
	}
	if outputs {
		for i, b := range c.outputs {
			if b == nil {
				return errors.Wrapf(ErrSlotNotBound, "context %d: output slot %d", c.index, i)
			}
		}
	}
	return nil
}

func (c *Context) checkGeometry(threads, groupSizes []int) error {
	if len(threads) != len(c.kernels) || len(groupSizes) != len(c.kernels) {
		return errors.Wrapf(ErrGeometry, "%d kernels, got %d thread counts and %d group sizes",
			len(c.kernels), len(threads), len(groupSizes))
	}
	for i := range threads {
		if threads[i] <= 0 || groupSizes[i] <= 0 {
			return errors.Wrapf(ErrGeometry, "kernel %d: %d threads in groups of %d", i, threads[i], groupSizes[i])
		}
	}
	return nil
}

// settle waits for stages of a previous batch that were never waited, so their events don't leak.
func (c *Context) settle() {
	if c.writeCount > 0 || c.readCount > 0 {
		klog.Warningf("context %d: resubmitted with %d writes and %d reads in flight", c.index, c.writeCount, c.readCount)
		for c.WaitForWriteEvent() {
		}
		for c.WaitForReadEvent() {
		}
	}
}

func (c *Context) setWriteEvent(e backends.Event) {
	if c.writeEvent != nil {
		c.writeEvent.Release()
	}
	c.writeEvent = e
}

func (c *Context) setReadEvent(e backends.Event) {
	if c.readEvent != nil {
		c.readEvent.Release()
	}
	c.readEvent = e
}

// enqueueWrites writes every input, at host offset 0, with a completion event on the last one.
func (c *Context) enqueueWrites() {
	var bytes int
	for i, b := range c.inputs {
		last := i == len(c.inputs)-1
		e, err := c.queues[0].EnqueueWrite(b.Device(), 0, b.Host(), last)
		backends.AbortIf(err, "context %d: writing input %d", c.index, i)
		if last {
			c.setWriteEvent(e)
		}
		bytes += b.Size()
	}
	c.writeCount++
	c.scheduled = true
	klog.V(2).Infof("context %d: write stage of %s enqueued", c.index, humanize.IBytes(uint64(bytes)))
}

func (c *Context) enqueueKernels(threads, groupSizes []int) {
	for i, k := range c.kernels {
		e, err := c.queues[0].EnqueueKernel(k.Kernel, threads[i], groupSizes[i], c.profiling)
		backends.AbortIf(err, "context %d: launching kernel %q (%d threads, groups of %d)",
			c.index, k.Name, threads[i], groupSizes[i])
		if c.profiling {
			if prev := c.kernelEvents[i]; prev != nil {
				prev.Release()
			}
			c.kernelEvents[i] = e
		}
	}
	c.scheduled = true
}

// enqueueReads reads the outputs selected by include. The completion event rides on the last read,
// unless honorReadEvent is set and a selected output is flagged ReadEvent.
func (c *Context) enqueueReads(include func(b *buffers.Buffer) bool, honorReadEvent bool) {
	selected := make([]int, 0, len(c.outputs))
	eventOn := -1
	for i, b := range c.outputs {
		if !include(b) {
			continue
		}
		selected = append(selected, i)
		if honorReadEvent && eventOn < 0 && b.Flags().Has(buffers.ReadEvent) {
			eventOn = i
		}
	}
	if eventOn < 0 && len(selected) > 0 {
		eventOn = selected[len(selected)-1]
	}
	var bytes int
	for _, i := range selected {
		b := c.outputs[i]
		e, err := c.queues[0].EnqueueRead(b.Device(), 0, b.Host(), i == eventOn)
		backends.AbortIf(err, "context %d: reading output %d", c.index, i)
		if i == eventOn {
			c.setReadEvent(e)
		}
		bytes += b.Size()
	}
	c.readCount++
	c.scheduled = true
	klog.V(2).Infof("context %d: read stage of %s enqueued", c.index, humanize.IBytes(uint64(bytes)))
}

func allOutputs(*buffers.Buffer) bool { return true }

func movableOutputs(b *buffers.Buffer) bool { return !b.Flags().Has(buffers.DoNotMove) }

// SubmitTask enqueues a whole batch: the write of every input, one launch per kernel with the given
// geometry, and the read of every output. Nothing runs until the queues are flushed.
func (c *Context) SubmitTask(threads, groupSizes []int) error {
	if err := c.checkBound(true, true, true); err != nil {
		return err
	}
	if err := c.checkGeometry(threads, groupSizes); err != nil {
		return err
	}
	c.settle()
	c.enqueueWrites()
	c.enqueueKernels(threads, groupSizes)
	c.enqueueReads(allOutputs, false)
	return nil
}

// SubmitKernel enqueues only the kernel stage.
func (c *Context) SubmitKernel(threads, groupSizes []int) error {
	if err := c.checkBound(true, false, false); err != nil {
		return err
	}
	if err := c.checkGeometry(threads, groupSizes); err != nil {
		return err
	}
	c.enqueueKernels(threads, groupSizes)
	return nil
}

// MoveInputBuffers enqueues only the write stage.
func (c *Context) MoveInputBuffers() error {
	if err := c.checkBound(false, true, false); err != nil {
		return err
	}
	c.settle()
	c.enqueueWrites()
	return nil
}

// MoveOutputBuffers enqueues only the read stage, skipping outputs flagged DoNotMove.
func (c *Context) MoveOutputBuffers() error {
	if err := c.checkBound(false, false, true); err != nil {
		return err
	}
	for c.WaitForReadEvent() {
	}
	c.enqueueReads(movableOutputs, true)
	return nil
}

// MoveDirectInputBuffers writes the host range [starts[i], ends[i]) of every input i to the start of its
// device buffer. All ranges are checked before anything is enqueued, and any invalid range is fatal.
// Ranges that wrap around the end of the host region are invalid.
func (c *Context) MoveDirectInputBuffers(starts, ends []int) error {
	if err := c.checkBound(false, true, false); err != nil {
		return err
	}
	if len(starts) != len(c.inputs) || len(ends) != len(c.inputs) {
		return errors.Wrapf(ErrGeometry, "%d inputs, got %d starts and %d ends", len(c.inputs), len(starts), len(ends))
	}
	for i, b := range c.inputs {
		start, end := starts[i], ends[i]
		var err error
		switch {
		case start >= end:
			err = backends.NewDeviceError("MoveDirectInputBuffers", backends.StatusInvalidValue,
				"input %d: empty or wrapping range [%d, %d)", i, start, end)
		case start < 0 || end > len(b.Host()):
			err = backends.NewDeviceError("MoveDirectInputBuffers", backends.StatusInvalidValue,
				"input %d: range [%d, %d) outside host region of %d bytes", i, start, end, len(b.Host()))
		case end-start > b.Device().Size():
			err = backends.NewDeviceError("MoveDirectInputBuffers", backends.StatusInvalidBufferSize,
				"input %d: %d bytes don't fit device buffer of %d bytes", i, end-start, b.Device().Size())
		}
		if err != nil {
			backends.Abort(err)
			return err
		}
	}
	c.settle()
	for i, b := range c.inputs {
		last := i == len(c.inputs)-1
		e, err := c.queues[0].EnqueueWrite(b.Device(), 0, b.Host()[starts[i]:ends[i]], last)
		backends.AbortIf(err, "context %d: writing range of input %d", c.index, i)
		if last {
			c.setWriteEvent(e)
		}
	}
	c.writeCount++
	c.scheduled = true
	return nil
}

// Flush submits the commands enqueued on both queues, without waiting for them.
func (c *Context) Flush() {
	for i, q := range c.queues {
		backends.AbortIf(q.Flush(), "context %d: flushing queue %d", c.index, i)
	}
}

// Finish blocks until both queues are drained. It does nothing if no batch is scheduled.
func (c *Context) Finish() {
	if !c.scheduled {
		return
	}
	for i, q := range c.queues {
		backends.AbortIf(q.Finish(), "context %d: finishing queue %d", c.index, i)
	}
}

// WaitForWriteEvent blocks until the oldest write stage completes. It returns false, without waiting,
// if no write stage is in flight. A failed write is fatal.
func (c *Context) WaitForWriteEvent() bool {
	if !c.scheduled || c.writeCount == 0 {
		return false
	}
	if e := c.writeEvent; e != nil {
		backends.AbortIf(e.Wait(), "context %d: write stage", c.index)
		if c.profiling {
			c.profile = Profile{Write: c.eventProfile(e, "write")}
		}
		e.Release()
		c.writeEvent = nil
	}
	c.writeCount--
	c.updateScheduled()
	return true
}

// WaitForReadEvent blocks until the oldest read stage completes. It returns false, without waiting,
// if no read stage is in flight. A failed read, or kernel before it, is fatal.
func (c *Context) WaitForReadEvent() bool {
	if !c.scheduled || c.readCount == 0 {
		return false
	}
	if e := c.readEvent; e != nil {
		backends.AbortIf(e.Wait(), "context %d: read stage", c.index)
		if c.profiling {
			c.collectKernelProfiles()
			c.profile.Read = c.eventProfile(e, "read")
		}
		e.Release()
		c.readEvent = nil
	}
	c.readCount--
	c.updateScheduled()
	return true
}

func (c *Context) updateScheduled() {
	if c.writeCount == 0 && c.readCount == 0 {
		c.scheduled = false
	}
}

func (c *Context) eventProfile(e backends.Event, stage string) backends.Profile {
	p, err := e.Profile()
	if err != nil {
		klog.Warningf("context %d: no profiling information for the %s stage: %v", c.index, stage, err)
	}
	return p
}

func (c *Context) collectKernelProfiles() {
	c.profile.Kernels = c.profile.Kernels[:0]
	for i, e := range c.kernelEvents {
		if e == nil {
			continue
		}
		backends.AbortIf(e.Wait(), "context %d: kernel %d", c.index, i)
		c.profile.Kernels = append(c.profile.Kernels, c.eventProfile(e, "kernel"))
		e.Release()
		c.kernelEvents[i] = nil
	}
}

// Profile returns the stage timings of the last batch waited on. It is the zero Profile unless the
// context was created with profiling enabled.
func (c *Context) Profile() Profile { return c.profile }

// WriteInput calls HostCallbacks.InputReady for every input, after zeroing its host region if the
// context clears inputs.
func (c *Context) WriteInput() error {
	if err := c.checkBound(false, true, false); err != nil {
		return err
	}
	for i, b := range c.inputs {
		host := b.Host()
		if c.clearInputs {
			clear(host)
		}
		c.callbacks.InputReady(c.handle, i, host, 0)
	}
	return nil
}

// Mark scans the outputs flagged BearsMark, each from its last int32 backwards, for the first non-zero
// value. If more than one output bears a mark, the last one found wins. It returns 0 if none is found.
func (c *Context) Mark() int {
	mark := 0
	for _, b := range c.outputs {
		if b == nil || !b.Flags().Has(buffers.BearsMark) {
			continue
		}
		host := b.Host()
		for j := len(host)/4 - 1; j >= 0; j-- {
			if v := int32(binary.LittleEndian.Uint32(host[4*j:])); v != 0 {
				mark = int(v)
				break
			}
		}
	}
	return mark
}

// ReadOutput calls HostCallbacks.OutputReady for every write-only output, with the current mark.
func (c *Context) ReadOutput() error {
	if err := c.checkBound(false, false, true); err != nil {
		return err
	}
	mark := c.Mark()
	for i, b := range c.outputs {
		if !b.Flags().Has(buffers.WriteOnly) {
			continue
		}
		c.callbacks.OutputReady(c.handle, i, b.Host(), mark)
	}
	return nil
}

// Free waits for any batch in flight and releases buffers, kernels and queues. Calling it again is a no-op.
func (c *Context) Free() {
	if c.freed {
		return
	}
	for i, q := range c.queues {
		if q == nil {
			continue
		}
		if err := q.Finish(); err != nil {
			klog.Warningf("context %d: queue %d failed while freeing: %v", c.index, i, err)
		}
	}
	for _, e := range []backends.Event{c.writeEvent, c.readEvent} {
		if e != nil {
			e.Release()
		}
	}
	for _, e := range c.kernelEvents {
		if e != nil {
			e.Release()
		}
	}
	c.writeEvent, c.readEvent, c.kernelEvents = nil, nil, nil
	c.writeCount, c.readCount, c.scheduled = 0, 0, false
	for i, k := range c.kernels {
		if k != nil {
			k.Kernel.Finalize()
			c.kernels[i] = nil
		}
	}
	for _, list := range [][]*buffers.Buffer{c.inputs, c.outputs} {
		for i, b := range list {
			c.manager.Release(b)
			list[i] = nil
		}
	}
	for i, q := range c.queues {
		if q != nil {
			q.Finalize()
			c.queues[i] = nil
		}
	}
	c.freed = true
	klog.V(1).Infof("context %d of query %s freed", c.index, c.handle)
}
