package simgpu

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/types/xsync"
	"github.com/pkg/errors"
)

// command is one enqueued operation.
type command struct {
	op    string // "ExecWrite", "ExecRead" or "ExecKernel", used for fault injection.
	run   func() error
	event *Event
}

// Queue is an in-order simulated command queue.
//
// Enqueued commands are held until Flush, then executed one at a time, in order, by the queue's own
// goroutine. After the first failed command, all later commands complete with
// StatusExecStatusErrorInWait.
type Queue struct {
	backend   *Backend
	profiling bool

	mu        sync.Mutex
	pending   []*command
	finalized bool

	work        chan []*command
	outstanding sync.WaitGroup
	workerDone  chan struct{}
	failure     error // Only accessed by the worker goroutine.
}

var _ backends.Queue = &Queue{}

// NewQueue creates an in-order command queue.
func (b *Backend) NewQueue(profiling bool) (backends.Queue, error) {
	if err := b.checkValid("NewQueue"); err != nil {
		return nil, err
	}
	q := &Queue{
		backend:    b,
		profiling:  profiling,
		work:       make(chan []*command, 64),
		workerDone: make(chan struct{}),
	}
	go q.worker()
	return q, nil
}

func (q *Queue) worker() {
	defer close(q.workerDone)
	for batch := range q.work {
		for _, cmd := range batch {
			q.execute(cmd)
		}
	}
}

func (q *Queue) execute(cmd *command) {
	defer q.outstanding.Done()
	cmd.event.started = time.Now()
	err := q.failure
	if err != nil {
		err = backends.NewDeviceError(cmd.op, backends.StatusExecStatusErrorInWait,
			"a previous command in the queue failed: %v", q.failure)
	} else if err = q.backend.injected(cmd.op); err == nil {
		err = cmd.run()
	}
	if err != nil && q.failure == nil {
		q.failure = err
	}
	cmd.event.ended = time.Now()
	cmd.event.done.Trigger(err)
}

// enqueue adds a command to the pending list.
func (q *Queue) enqueue(op string, run func() error, withEvent bool) (backends.Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finalized {
		return nil, backends.NewDeviceError(op, backends.StatusInvalidCommandQueue, "queue already finalized")
	}
	e := &Event{
		queue:     q,
		profiling: q.profiling,
		done:      xsync.NewLatchWithValue[error](),
		queued:    time.Now(),
	}
	q.outstanding.Add(1)
	q.pending = append(q.pending, &command{op: "Exec" + op[len("Enqueue"):], run: run, event: e})
	if !withEvent {
		return nil, nil
	}
	return e, nil
}

func checkRange(op string, mem backends.Mem, offset, size int) (simMem, error) {
	m, ok := mem.(simMem)
	if !ok || m == nil || m.isReleased() {
		return nil, backends.NewDeviceError(op, backends.StatusInvalidMemObject, "not a valid simgpu buffer")
	}
	if offset < 0 || size < 0 || offset+size > m.Size() {
		return nil, backends.NewDeviceError(op, backends.StatusInvalidValue,
			"range [%d, %d) out of bounds of buffer of %d bytes", offset, offset+size, m.Size())
	}
	return m, nil
}

// EnqueueWrite transfers src to dst at offset, asynchronously.
func (q *Queue) EnqueueWrite(dst backends.Mem, offset int, src []byte, withEvent bool) (backends.Event, error) {
	const op = "EnqueueWrite"
	if err := q.backend.checkValid(op); err != nil {
		return nil, err
	}
	m, err := checkRange(op, dst, offset, len(src))
	if err != nil {
		return nil, err
	}
	return q.enqueue(op, func() error {
		copy(m.data()[offset:], src)
		return nil
	}, withEvent)
}

// EnqueueRead transfers from src at offset into dst, asynchronously.
func (q *Queue) EnqueueRead(src backends.Mem, offset int, dst []byte, withEvent bool) (backends.Event, error) {
	const op = "EnqueueRead"
	if err := q.backend.checkValid(op); err != nil {
		return nil, err
	}
	m, err := checkRange(op, src, offset, len(dst))
	if err != nil {
		return nil, err
	}
	return q.enqueue(op, func() error {
		copy(dst, m.data()[offset:offset+len(dst)])
		return nil
	}, withEvent)
}

// EnqueueKernel launches kernel over globalSize work-items, in work-groups of localSize.
func (q *Queue) EnqueueKernel(kernel backends.Kernel, globalSize, localSize int, withEvent bool) (backends.Event, error) {
	const op = "EnqueueKernel"
	if err := q.backend.checkValid(op); err != nil {
		return nil, err
	}
	k, ok := kernel.(*Kernel)
	if !ok || k == nil || k.backend != q.backend {
		return nil, backends.NewDeviceError(op, backends.StatusInvalidKernel, "not a kernel of this device")
	}
	if globalSize <= 0 || localSize <= 0 || localSize > q.backend.maxGroupSize || globalSize%localSize != 0 {
		return nil, backends.NewDeviceError(op, backends.StatusInvalidWorkGroupSize,
			"kernel %q: invalid geometry global=%d local=%d (max work-group %d)",
			k.name, globalSize, localSize, q.backend.maxGroupSize)
	}
	args, err := k.snapshot()
	if err != nil {
		return nil, err
	}
	var localBytes int
	for _, arg := range args {
		if arg.kind == argLocal {
			localBytes += arg.local
		}
	}
	if localBytes > q.backend.localMemory {
		return nil, backends.NewDeviceError(op, backends.StatusOutOfResources,
			"kernel %q: %d bytes of local memory requested, device has %d", k.name, localBytes, q.backend.localMemory)
	}
	launch := Launch{GlobalSize: globalSize, LocalSize: localSize, pool: q.backend.workers}
	fn, name := k.fn, k.name
	return q.enqueue(op, func() error {
		if err := fn(launch, Args{kernel: name, values: args}); err != nil {
			return errors.WithMessagef(err, "kernel %q", name)
		}
		return nil
	}, withEvent)
}

// Flush submits the enqueued commands to the device, without waiting for them.
func (q *Queue) Flush() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finalized {
		return backends.NewDeviceError("Flush", backends.StatusInvalidCommandQueue, "queue already finalized")
	}
	q.lockedFlush()
	return nil
}

// lockedFlush hands the pending batch to the worker. Holding q.mu while sending keeps batches in order.
func (q *Queue) lockedFlush() {
	if len(q.pending) == 0 {
		return
	}
	now := time.Now()
	for _, cmd := range q.pending {
		cmd.event.submitted = now
	}
	q.work <- q.pending
	q.pending = nil
}

// Finish blocks until all commands enqueued so far have completed.
func (q *Queue) Finish() error {
	if err := q.Flush(); err != nil {
		return err
	}
	q.outstanding.Wait()
	return nil
}

// Finalize waits for outstanding commands and stops the queue's goroutine.
func (q *Queue) Finalize() {
	q.mu.Lock()
	if q.finalized {
		q.mu.Unlock()
		return
	}
	q.lockedFlush()
	q.finalized = true
	close(q.work)
	q.mu.Unlock()
	<-q.workerDone
}

// Event is the completion event of a simulated command.
type Event struct {
	queue     *Queue
	profiling bool
	done      *xsync.LatchWithValue[error]
	released  atomic.Bool

	// Timestamps, written before done is triggered.
	queued, submitted, started, ended time.Time
}

var _ backends.Event = &Event{}

// Wait flushes the event's queue if needed and blocks until the command completes.
func (e *Event) Wait() error {
	if e.released.Load() {
		return backends.NewDeviceError("Wait", backends.StatusInvalidEvent, "event already released")
	}
	if !e.done.Test() {
		e.queue.mu.Lock()
		if !e.queue.finalized {
			e.queue.lockedFlush()
		}
		e.queue.mu.Unlock()
	}
	return e.done.Wait()
}

// Profile returns the command timestamps.
func (e *Event) Profile() (backends.Profile, error) {
	if !e.profiling || !e.done.Test() {
		return backends.Profile{}, backends.NewDeviceError("Profile", backends.StatusProfilingInfoNotAvailable,
			"profiling information not available")
	}
	return backends.Profile{Queued: e.queued, Submitted: e.submitted, Started: e.started, Ended: e.ended}, nil
}

// Release the event.
func (e *Event) Release() {
	e.released.Store(true)
}
