package query

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/backends/simgpu"
	"github.com/lsds/gpustream/buffers"
	"github.com/lsds/gpustream/operators"
	"github.com/lsds/gpustream/registry"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

const source = `
__kernel void dummyKernel(__global const uchar *input, __global uchar *output) {}
__kernel void selectKernel2(const int size) {}
__kernel void compactKernel2(const int size) {}
__kernel void aggregateKernel(const int tuples) {}
__kernel void scanKernel(const int tuples) {}
__kernel void compactKernel(const int tuples) {}
__kernel void probeA(__global const uchar *input, __global uchar *output) {}
__kernel void probeB(__global const uchar *input, __global uchar *output) {}
`

// recorder implements HostCallbacks: inputs are filled by fill, with the batch number, and outputs are copied.
type recorder struct {
	fill func(index, batch int, host []byte)

	hosts   [][]byte // Host regions of input 0, one per InputReady call.
	outputs []output
}

type output struct {
	index int
	data  []byte
	mark  int
}

func (r *recorder) InputReady(_ registry.Handle, index int, host []byte, offset int) {
	if index == 0 {
		r.hosts = append(r.hosts, host)
	}
	if r.fill != nil {
		r.fill(index, len(r.hosts)-1, host[offset:])
	}
}

func (r *recorder) OutputReady(_ registry.Handle, index int, host []byte, mark int) {
	r.outputs = append(r.outputs, output{index: index, data: append([]byte(nil), host...), mark: mark})
}

func newBackend(t *testing.T, options ...simgpu.Option) (*simgpu.Backend, backends.Program) {
	backend := must.M1(simgpu.New("workers=2", options...))
	t.Cleanup(backend.Finalize)
	return backend, must.M1(backend.Compile(source))
}

func newQuery(t *testing.T, callbacks HostCallbacks, config Config, options ...simgpu.Option) *Query {
	backend, program := newBackend(t, options...)
	q, err := New(backend, program, callbacks, config)
	require.NoError(t, err)
	t.Cleanup(q.Free)
	return q
}

func pattern(batch, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(batch*31 + i*7)
	}
	return b
}

func makeTuples(keys, values []int32) []byte {
	b := make([]byte, 16*len(keys))
	for i := range keys {
		binary.LittleEndian.PutUint64(b[16*i:], uint64(1000+i))
		binary.LittleEndian.PutUint32(b[16*i+8:], uint32(keys[i]))
		binary.LittleEndian.PutUint32(b[16*i+12:], uint32(values[i]))
	}
	return b
}

func int32s(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func int32Bytes(values ...int32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
	}
	return b
}

type batchProfiles struct {
	profiles []Profile
	kernels  [][]string
}

func (p *batchProfiles) ObserveBatch(_ registry.Handle, kernels []string, profile Profile) {
	p.profiles = append(p.profiles, profile)
	p.kernels = append(p.kernels, kernels)
}

func identityQuery(t *testing.T, r *recorder, depth, size int, profiler Profiler) *Query {
	q := newQuery(t, r, Config{Depth: depth, NumKernels: 1, NumInputs: 1, NumOutputs: 1,
		Profiling: profiler != nil, Profiler: profiler})
	require.NoError(t, q.SetInput(0, nil, size))
	require.NoError(t, q.SetOutput(0, nil, size, buffers.WriteOnly))
	require.NoError(t, q.SetKernel(0, simgpu.IdentityKernel, operators.Identity, nil))
	return q
}

func TestPipelinedExecute(t *testing.T) {
	const (
		depth   = 3
		batches = 7
		size    = 1024
	)
	r := &recorder{fill: func(_, batch int, host []byte) { copy(host, pattern(batch, len(host))) }}
	profiles := &batchProfiles{}
	q := identityQuery(t, r, depth, size, profiles)

	for k := range batches {
		require.NoError(t, q.Execute([]int{64}, []int{16}))
		ctx := q.Context(k % depth)
		assert.Equal(t, pattern(k, size), ctx.Input(0).Host(), "batch %d must be written to context %d", k, k%depth)
		assert.Same(t, &ctx.Input(0).Host()[0], &r.hosts[k][0], "batch %d filled in context %d", k, k%depth)
		_, drained := q.Executions()
		assert.Equal(t, max(0, k-depth+2), drained, "after batch %d", k)
	}
	require.NoError(t, q.Drain())
	executed, drained := q.Executions()
	assert.Equal(t, batches, executed)
	assert.Equal(t, batches, drained)
	require.NoError(t, q.Drain(), "draining with nothing in flight")

	require.Len(t, r.outputs, batches)
	for k, out := range r.outputs {
		assert.Equal(t, pattern(k, size), out.data, "batch %d drained out of order or corrupted", k)
	}
	require.Len(t, profiles.profiles, batches)
	for k, p := range profiles.profiles {
		assert.False(t, p.Read.Ended.Before(p.Write.Ended), "batch %d: read completed before its write", k)
		assert.GreaterOrEqual(t, p.Total(), p.Write.Duration())
		require.Len(t, p.Kernels, 1)
		assert.False(t, p.Kernels[0].Started.Before(p.Write.Ended), "batch %d: kernel started before its write completed", k)
		assert.Equal(t, []string{simgpu.IdentityKernel}, profiles.kernels[k])
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	const size = 3000
	want := pattern(5, size)
	r := &recorder{fill: func(_, _ int, host []byte) { copy(host, want) }}
	q := identityQuery(t, r, 1, size, nil)
	require.NoError(t, q.Execute([]int{32}, []int{8}))
	require.Len(t, r.outputs, 1, "depth 1 executes synchronously")
	assert.Equal(t, want, r.outputs[0].data)
	assert.Equal(t, 0, r.outputs[0].mark)
}

func TestFreeTwice(t *testing.T) {
	q := identityQuery(t, &recorder{}, 2, 256, nil)
	require.NoError(t, q.Execute([]int{16}, []int{16}))
	managers := []*buffers.Manager{q.Context(0).Manager(), q.Context(1).Manager()}
	q.Free()
	q.Free()
	assert.True(t, q.Freed())
	for i, m := range managers {
		assert.Equal(t, 0, m.Live(), "context %d leaked buffers", i)
	}
	assert.True(t, errors.Is(q.Execute([]int{16}, []int{16}), ErrFreed))
	assert.True(t, errors.Is(q.SetInput(0, nil, 16), ErrFreed))
}

func TestConfigurationErrors(t *testing.T) {
	q := newQuery(t, nil, Config{NumKernels: 1, NumInputs: 1, NumOutputs: 1})
	assert.True(t, errors.Is(q.SetInput(1, nil, 16), ErrSlotOutOfRange))
	assert.True(t, errors.Is(q.SetOutput(-1, nil, 16, 0), ErrSlotOutOfRange))
	assert.True(t, errors.Is(q.SetKernel(3, simgpu.IdentityKernel, operators.Identity, nil), ErrSlotOutOfRange))
	assert.True(t, errors.Is(q.Execute([]int{16}, []int{16}), ErrSlotNotBound))

	require.NoError(t, q.SetInput(0, nil, 64))
	err := q.SetKernel(0, simgpu.IdentityKernel, operators.Identity, nil)
	assert.True(t, errors.Is(err, operators.ErrBufferNotBound), "kernel bound before its output")
	require.NoError(t, q.SetOutput(0, nil, 64, buffers.WriteOnly))
	require.NoError(t, q.SetKernel(0, simgpu.IdentityKernel, operators.Identity, nil))

	assert.True(t, errors.Is(q.Execute([]int{16, 16}, []int{16, 16}), ErrGeometry))
	assert.True(t, errors.Is(q.Execute([]int{16}, []int{0}), ErrGeometry))
	executed, _ := q.Executions()
	assert.Zero(t, executed, "invalid executes must not consume a context")

	_, err = New(nil, nil, nil, Config{NumKernels: 1, CustomSplit: 2})
	assert.Error(t, err)
}

func TestRebinding(t *testing.T) {
	want := pattern(1, 512)
	r := &recorder{fill: func(_, _ int, host []byte) { copy(host, want) }}
	q := identityQuery(t, r, 1, 128, nil)
	ctx := q.Context(0)
	assert.Equal(t, 2, ctx.Manager().Live())

	// Growing the buffers rebinds the kernel onto the new ones.
	require.NoError(t, q.SetInput(0, nil, 512))
	require.NoError(t, q.SetOutput(0, nil, 512, buffers.WriteOnly))
	assert.Equal(t, 2, ctx.Manager().Live(), "previous buffers are released")
	require.NoError(t, q.SetKernel(0, simgpu.IdentityKernel, operators.Identity, nil))
	require.NoError(t, q.Execute([]int{64}, []int{16}))
	require.Len(t, r.outputs, 1)
	assert.Equal(t, want, r.outputs[0].data)
}

func TestSelectAndCompact(t *testing.T) {
	const (
		tuples  = 64
		groups  = 4
		threads = 64
	)
	keys, values := make([]int32, tuples), make([]int32, tuples)
	for i := range keys {
		keys[i], values[i] = int32(i%3)-1, int32(i)
	}
	input := makeTuples(keys, values)
	r := &recorder{fill: func(_, _ int, host []byte) { copy(host, input) }}
	q := newQuery(t, r, Config{NumKernels: 2, NumInputs: 1, NumOutputs: 4})
	require.NoError(t, q.SetInput(0, nil, len(input)))
	require.NoError(t, q.SetOutput(0, nil, 4*tuples, buffers.WriteOnly))
	require.NoError(t, q.SetOutput(1, nil, 4*tuples, buffers.WriteOnly))
	require.NoError(t, q.SetOutput(2, nil, 4*(groups+1), buffers.WriteOnly|buffers.BearsMark))
	require.NoError(t, q.SetOutput(3, nil, len(input), buffers.WriteOnly))
	constants := operators.SelectConstants{Size: int32(len(input)), Tuples: tuples, Bundle: 1, Bundles: tuples,
		ScratchSize: 4 * threads / groups}.Int32s()
	for slot, name := range operators.MustLayout(operators.Select).EntryPoints {
		require.NoError(t, q.SetKernel(slot, name, operators.Select, constants))
	}
	require.NoError(t, q.ExecuteCustom(Geometry{threads, threads / groups}, Geometry{threads, threads / 2}))
	require.Len(t, r.outputs, 4)

	flags, offsets := int32s(r.outputs[0].data), int32s(r.outputs[1].data)
	var sum int32
	var matching []byte
	for i := range tuples {
		assert.Equal(t, sum, offsets[i], "offset of tuple %d", i)
		sum += flags[i]
		if keys[i] > 0 {
			require.Equal(t, int32(1), flags[i])
			matching = append(matching, input[16*i:16*(i+1)]...)
		} else {
			require.Zero(t, flags[i])
		}
	}
	assert.Equal(t, int(sum), r.outputs[3].mark, "mark is the selected count")
	assert.Equal(t, matching, r.outputs[3].data[:len(matching)], "stable compaction")
}

func TestAggregate(t *testing.T) {
	const (
		tuples = 200
		table  = 64
	)
	keys, values := make([]int32, tuples), make([]int32, tuples)
	wantCount := make(map[int32]int32)
	for i := range tuples {
		keys[i], values[i] = int32((i*7919)%40)-5, int32(i%10)
		wantCount[keys[i]]++
	}
	input := makeTuples(keys, values)
	inputs := [][]byte{input, int32Bytes(0), int32Bytes(int32(len(input))), int32Bytes(1103515245, 12345), int32Bytes(69069, 1)}
	r := &recorder{fill: func(index, _ int, host []byte) { copy(host, inputs[index]) }}
	q := newQuery(t, r, Config{NumKernels: 3, NumInputs: 5, NumOutputs: 8})
	for i, in := range inputs {
		require.NoError(t, q.SetInput(i, nil, len(in)))
	}
	c := operators.AggregateConstants{Tuples: tuples, TableSize: table, StashX: 4, StashY: 4, MaxIterations: 32, ScratchSize: 1024}
	slots := c.NumSlots()
	sizes := []int{simgpu.SlotBytes * slots, 4, 4 * tuples, 4 * tuples, 4 * slots, 4 * (slots + 1), 4 * slots, simgpu.SlotBytes * slots}
	for i, size := range sizes {
		flags := buffers.WriteOnly
		if i == 5 {
			flags |= buffers.BearsMark
		}
		require.NoError(t, q.SetOutput(i, nil, size, flags))
	}
	for slot, name := range operators.MustLayout(operators.Aggregate).EntryPoints {
		require.NoError(t, q.SetKernel(slot, name, operators.Aggregate, c.Int32s()))
	}
	require.NoError(t, q.Execute(q.Uniform(Geometry{16, 16})))
	require.Len(t, r.outputs, 8)

	for i, failed := range int32s(r.outputs[2].data) {
		require.Zero(t, failed, "tuple %d failed", i)
	}
	groups := r.outputs[7].mark
	require.Equal(t, len(wantCount), groups, "one group per distinct key")
	payload := r.outputs[7].data
	seen := make(map[int32]bool)
	for g := range groups {
		key := int32(binary.LittleEndian.Uint32(payload[simgpu.SlotBytes*g:]))
		count := int32(binary.LittleEndian.Uint32(payload[simgpu.SlotBytes*g+4:]))
		require.False(t, seen[key], "key %d appears twice", key)
		seen[key] = true
		assert.Equal(t, wantCount[key], count, "count of key %d", key)
	}
}

func TestAggregateOverflow(t *testing.T) {
	keys := []int32{10, 20, 30, 10, 40, 20}
	input := makeTuples(keys, []int32{1, 1, 1, 1, 1, 1})
	inputs := [][]byte{input, int32Bytes(0), int32Bytes(int32(len(input))), int32Bytes(1103515245, 12345), int32Bytes(69069, 1)}
	r := &recorder{fill: func(index, _ int, host []byte) { copy(host, inputs[index]) }}
	q := newQuery(t, r, Config{NumKernels: 3, NumInputs: 5, NumOutputs: 7})
	for i, in := range inputs {
		require.NoError(t, q.SetInput(i, nil, len(in)))
	}
	c := operators.AggregateConstants{Tuples: int32(len(keys)), TableSize: 1, MaxIterations: 8, ScratchSize: 64}
	slots := c.NumSlots()
	sizes := []int{simgpu.SlotBytes * slots, 4, 4 * len(keys), 4 * len(keys), 4 * slots, 4 * (slots + 1), simgpu.SlotBytes * slots}
	for i, size := range sizes {
		require.NoError(t, q.SetOutput(i, nil, size, buffers.WriteOnly))
	}
	for slot, name := range operators.MustLayout(operators.Aggregate).EntryPoints {
		require.NoError(t, q.SetKernel(slot, name, operators.Aggregate, c.Int32s()))
	}
	require.NoError(t, q.Execute(q.Uniform(Geometry{8, 8})))
	require.Len(t, r.outputs, 7)
	assert.Equal(t, []int32{0, 0, 1, 0, 1, 0}, int32s(r.outputs[2].data), "overflowing tuples are flagged")
}

func TestMoveDirectInputBuffers(t *testing.T) {
	r := &recorder{}
	q := newQuery(t, r, Config{NumKernels: 1, NumInputs: 2, NumOutputs: 1})
	require.NoError(t, q.SetInput(0, nil, 512))
	require.NoError(t, q.SetInput(1, nil, 128))
	require.NoError(t, q.SetOutput(0, nil, 512, buffers.WriteOnly))
	require.NoError(t, q.SetKernel(0, simgpu.IdentityKernel, operators.Identity, nil))
	ctx := q.Context(0)
	host := ctx.Input(0).Host()
	copy(host, pattern(3, len(host)))

	for name, bad := range map[string]struct{ starts, ends []int }{
		"empty":    {starts: []int{0, 64}, ends: []int{64, 64}},
		"wrapping": {starts: []int{0, 100}, ends: []int{64, 20}},
		"beyond":   {starts: []int{0, 0}, ends: []int{64, 200}},
		"negative": {starts: []int{-1, 0}, ends: []int{64, 64}},
	} {
		err := exceptions.TryCatch[error](func() { _ = q.MoveDirectInputBuffers(bad.starts, bad.ends) })
		require.Error(t, err, "%s range", name)
		assert.Equal(t, backends.StatusInvalidValue, backends.StatusOf(err))
		writes, reads := ctx.InFlight()
		assert.Zero(t, writes+reads, "nothing must be enqueued")
		assert.False(t, ctx.Scheduled())
	}
	assert.True(t, errors.Is(q.MoveDirectInputBuffers([]int{0}, []int{1}), ErrGeometry))

	require.NoError(t, q.MoveDirectInputBuffers([]int{100, 0}, []int{356, 128}))
	require.NoError(t, ctx.SubmitKernel([]int{64}, []int{16}))
	require.NoError(t, ctx.MoveOutputBuffers())
	ctx.Flush()
	require.True(t, ctx.WaitForReadEvent())
	assert.Equal(t, host[100:356], ctx.Output(0).Host()[:256], "the range lands at device offset 0")
	assert.False(t, ctx.WaitForReadEvent(), "nothing left in flight")
}

func TestDataMovement(t *testing.T) {
	r := &recorder{fill: func(_, batch int, host []byte) { copy(host, pattern(batch, len(host))) }}
	q := newQuery(t, r, Config{NumKernels: 1, NumInputs: 1, NumOutputs: 2})
	require.NoError(t, q.SetInput(0, nil, 256))
	require.NoError(t, q.SetOutput(0, nil, 256, buffers.WriteOnly|buffers.DoNotMove))
	require.NoError(t, q.SetOutput(1, nil, 256, buffers.WriteOnly|buffers.ReadEvent))

	require.NoError(t, q.CopyInputBuffers())
	require.NoError(t, q.CopyOutputBuffers())
	assert.Len(t, r.hosts, 1)
	assert.Len(t, r.outputs, 2)

	require.NoError(t, q.MoveInputBuffers())
	require.NoError(t, q.MoveOutputBuffers())
	require.NoError(t, q.MoveInputAndOutputBuffers())
	assert.Len(t, r.hosts, 1, "moves don't call back")
	assert.Len(t, r.outputs, 2)

	// The kernel stage never runs, so outputs come back as the device left them: all zeros.
	require.NoError(t, q.TestDataMovement())
	assert.Len(t, r.hosts, 2)
	require.Len(t, r.outputs, 4)
	assert.Equal(t, make([]byte, 256), r.outputs[3].data)
	writes, reads := q.Context(0).InFlight()
	assert.Zero(t, writes+reads)
}

// TestReadEventOnEarlierOutput checks that outputs are only handed back once every read of the batch
// completed, even when an earlier output carries the ReadEvent flag.
func TestReadEventOnEarlierOutput(t *testing.T) {
	const (
		size      = 64
		largeSize = 32 << 20
	)
	r := &recorder{fill: func(_, _ int, host []byte) { copy(host, pattern(1, len(host))) }}
	q := newQuery(t, r, Config{NumKernels: 1, NumInputs: 1, NumOutputs: 2})
	require.NoError(t, q.SetInput(0, nil, size))
	require.NoError(t, q.SetOutput(0, nil, size, buffers.WriteOnly|buffers.ReadEvent))
	require.NoError(t, q.SetOutput(1, nil, largeSize, buffers.WriteOnly))
	require.NoError(t, q.SetKernel(0, simgpu.IdentityKernel, operators.Identity, nil))

	// The device side of output 1 is never written, so a complete read leaves it all zeros.
	stale := func() {
		host := q.Context(0).Output(1).Host()
		for i := range host {
			host[i] = 0xFF
		}
	}
	lastByteOf := func(o output) byte { return o.data[len(o.data)-1] }

	stale()
	require.NoError(t, q.Execute([]int{size}, []int{16}))
	require.Len(t, r.outputs, 2)
	assert.Equal(t, pattern(1, size), r.outputs[0].data)
	assert.Equal(t, 1, r.outputs[1].index)
	assert.Equal(t, byte(0), lastByteOf(r.outputs[1]), "output 1 handed back before its read completed")

	stale()
	require.NoError(t, q.TestDataMovement())
	require.Len(t, r.outputs, 4)
	assert.Equal(t, byte(0), lastByteOf(r.outputs[3]), "output 1 handed back before its read completed")
	writes, reads := q.Context(0).InFlight()
	assert.Zero(t, writes+reads)
}

func TestExecuteCustomGeometry(t *testing.T) {
	var mu sync.Mutex
	launches := map[string]simgpu.Launch{}
	probe := func(name string) simgpu.KernelFunc {
		return func(launch simgpu.Launch, _ simgpu.Args) error {
			mu.Lock()
			defer mu.Unlock()
			launches[name] = launch
			return nil
		}
	}
	q := newQuery(t, &recorder{}, Config{NumKernels: 2, NumInputs: 1, NumOutputs: 1},
		simgpu.WithKernel("probeA", probe("probeA")), simgpu.WithKernel("probeB", probe("probeB")))
	require.NoError(t, q.SetInput(0, nil, 64))
	require.NoError(t, q.SetOutput(0, nil, 64, buffers.WriteOnly))
	require.NoError(t, q.SetKernel(0, "probeA", operators.Identity, nil))
	require.NoError(t, q.SetKernel(1, "probeB", operators.Identity, nil))
	require.NoError(t, q.ExecuteCustom(Geometry{128, 32}, Geometry{64, 8}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 128, launches["probeA"].GlobalSize)
	assert.Equal(t, 32, launches["probeA"].LocalSize)
	assert.Equal(t, 64, launches["probeB"].GlobalSize)
	assert.Equal(t, 8, launches["probeB"].LocalSize)
}

func TestExecutionFailureIsFatal(t *testing.T) {
	backend, program := newBackend(t)
	q, err := New(backend, program, &recorder{}, Config{NumKernels: 1, NumInputs: 1, NumOutputs: 1})
	require.NoError(t, err)
	defer q.Free()
	require.NoError(t, q.SetInput(0, nil, 64))
	require.NoError(t, q.SetOutput(0, nil, 64, buffers.WriteOnly))
	require.NoError(t, q.SetKernel(0, simgpu.IdentityKernel, operators.Identity, nil))
	backend.FailNext("ExecKernel", backends.StatusOutOfResources)
	err = exceptions.TryCatch[error](func() { _ = q.Execute([]int{16}, []int{16}) })
	require.Error(t, err)
	assert.Equal(t, backends.StatusExecStatusErrorInWait, backends.StatusOf(err),
		"the read after the failed kernel reports the queue failure")
}
