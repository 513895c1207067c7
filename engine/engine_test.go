package engine

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/backends/simgpu"
	"github.com/lsds/gpustream/buffers"
	"github.com/lsds/gpustream/metrics"
	"github.com/lsds/gpustream/operators"
	"github.com/lsds/gpustream/pinned"
	"github.com/lsds/gpustream/query"
	"github.com/lsds/gpustream/registry"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	projectSource = `__kernel void projectKernel(const int tuples, const int bytes) {}`
	reduceSource  = `__kernel void reduceKernel(const int tuples, const int bytes) {}`
	tupleBytes    = 16
)

// host feeds the same inputs to every batch and keeps the outputs of the last one drained.
type host struct {
	inputs  map[int][]byte
	outputs map[int][]byte
	drains  int
}

func newHost(inputs ...[]byte) *host {
	h := &host{inputs: map[int][]byte{}, outputs: map[int][]byte{}}
	for i, in := range inputs {
		h.inputs[i] = in
	}
	return h
}

func (h *host) InputReady(_ registry.Handle, index int, b []byte, offset int) {
	copy(b[offset:], h.inputs[index])
}

func (h *host) OutputReady(_ registry.Handle, index int, b []byte, _ int) {
	if index == 0 {
		h.drains++
	}
	h.outputs[index] = append([]byte(nil), b...)
}

func makeTuples(n int) []byte {
	b := make([]byte, tupleBytes*n)
	for i := range n {
		binary.LittleEndian.PutUint64(b[tupleBytes*i:], uint64(5000+i))
		binary.LittleEndian.PutUint32(b[tupleBytes*i+8:], uint32(i))
		binary.LittleEndian.PutUint32(b[tupleBytes*i+12:], uint32(2*i))
	}
	return b
}

func newEngine(t *testing.T, config Config, callbacks query.HostCallbacks) (*Engine, *simgpu.Backend) {
	backend := must.M1(simgpu.New("workers=2"))
	t.Cleanup(backend.Finalize)
	e, err := NewWithBackend(backend, config, callbacks)
	require.NoError(t, err)
	t.Cleanup(e.Teardown)
	return e, backend
}

func TestOpenClose(t *testing.T) {
	e, _ := newEngine(t, Config{MaxQueries: 2}, nil)
	m := e.Metrics()
	other, _ := newEngine(t, Config{}, nil)
	assert.NotEqual(t, e.ID(), other.ID())
	h1, err := e.Open(projectSource, 1, 1, 1)
	require.NoError(t, err)
	h2, err := e.Open(projectSource, 1, 1, 1)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compilations), "same source compiles once")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, 1, e.CachedPrograms())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OpenQueries))

	_, err = e.Open(projectSource, 1, 1, 1)
	assert.True(t, errors.Is(err, ErrFull))
	_, err = e.Open(projectSource, 0, 1, 1)
	assert.Error(t, err)

	require.NoError(t, e.Close(h1))
	assert.True(t, errors.Is(e.Close(h1), ErrInvalidQuery), "closing twice")
	assert.True(t, errors.Is(e.BindInput(h1, 0, 64), ErrInvalidQuery), "stale handle")
	assert.True(t, errors.Is(e.Execute(registry.Handle{}, 16, 16), ErrInvalidQuery))
	h3, err := e.Open(projectSource, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, h1.Index(), h3.Index(), "slot reused")
	assert.NotEqual(t, h1, h3)

	q := must.M1(e.Query(h2))
	e.Teardown()
	e.Teardown()
	assert.True(t, q.Freed())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OpenQueries))
	_, err = e.Open(projectSource, 1, 1, 1)
	assert.True(t, errors.Is(err, ErrTornDown))
}

func TestProgramCacheEviction(t *testing.T) {
	e, _ := newEngine(t, Config{ProgramCacheSize: 1}, nil)
	h1 := must.M1(e.Open(projectSource, 1, 1, 1))
	_ = must.M1(e.Open(reduceSource, 1, 3, 1))
	assert.Equal(t, 1, e.CachedPrograms())

	// The evicted program stays usable by the query that holds it.
	require.NoError(t, e.BindInput(h1, 0, 16*tupleBytes))
	require.NoError(t, e.BindOutput(h1, 0, 16*12, buffers.WriteOnly))
	c := operators.ProjectConstants{Tuples: 16, Bytes: 16 * tupleBytes, LocalInputSize: 16 * tupleBytes, LocalOutputSize: 16 * 12}
	require.NoError(t, e.BindOperator(h1, operators.Project, c.Int32s()))
	require.NoError(t, e.Close(h1))

	_ = must.M1(e.Open(projectSource, 1, 1, 1))
	assert.Equal(t, 3.0, testutil.ToFloat64(e.Metrics().Compilations))
}

func TestProjectPipeline(t *testing.T) {
	const (
		tuples   = 256
		outWidth = 12
		tpg      = 32
		batches  = 5
	)
	input := makeTuples(tuples)
	callbacks := newHost(input)
	e, _ := newEngine(t, Config{PipelineDepth: 2, Profiling: true, Metrics: metrics.New("project")}, callbacks)
	h := must.M1(e.Open(projectSource, 1, 1, 1))
	require.NoError(t, e.BindInput(h, 0, len(input)))
	require.NoError(t, e.BindOutput(h, 0, tuples*outWidth, buffers.WriteOnly))

	c := operators.ProjectConstants{Tuples: tuples, Bytes: int32(len(input)),
		LocalInputSize: tpg * tupleBytes, LocalOutputSize: tpg * outWidth}
	assert.True(t, errors.Is(e.BindOperator(h, operators.Project, c.Int32s()[:3]), ErrConstantsLength))
	assert.True(t, errors.Is(e.BindKernel(h, 1, "projectKernel", operators.Project, c.Int32s()), ErrSlotOutOfRange))
	require.NoError(t, e.BindOperator(h, operators.Project, c.Int32s()))

	for range batches {
		require.NoError(t, e.Execute(h, tuples, tpg))
	}
	assert.Equal(t, batches-1, callbacks.drains, "one batch still in flight with depth 2")
	require.NoError(t, e.Drain(h))
	assert.Equal(t, batches, callbacks.drains)

	out := callbacks.outputs[0]
	require.Len(t, out, tuples*outWidth)
	for i := range tuples {
		require.Equal(t, input[i*tupleBytes:i*tupleBytes+outWidth], out[i*outWidth:(i+1)*outWidth], "tuple %d", i)
	}

	m := e.Metrics()
	assert.Equal(t, float64(batches), testutil.ToFloat64(m.Executions.WithLabelValues("Project")))
	assert.Equal(t, float64(batches*len(input)), testutil.ToFloat64(m.BytesMoved.WithLabelValues(metrics.HostToDevice)))
	assert.Equal(t, float64(batches*tuples*outWidth), testutil.ToFloat64(m.BytesMoved.WithLabelValues(metrics.DeviceToHost)))
	assert.Equal(t, 4, testutil.CollectAndCount(m.StageDuration), "profiling exports every stage")
}

func TestReduce(t *testing.T) {
	const (
		tuples  = 32
		windows = 4
	)
	input := makeTuples(tuples)
	starts, ends := make([]byte, 4*windows), make([]byte, 4*windows)
	per := tuples / windows * tupleBytes
	for w := range windows {
		binary.LittleEndian.PutUint32(starts[4*w:], uint32(w*per))
		binary.LittleEndian.PutUint32(ends[4*w:], uint32((w+1)*per))
	}
	// The last window is empty.
	binary.LittleEndian.PutUint32(ends[4*(windows-1):], uint32((windows-1)*per))

	callbacks := newHost(input, starts, ends)
	e, _ := newEngine(t, Config{}, callbacks)
	h := must.M1(e.Open(reduceSource, 1, 3, 1))
	for i, in := range [][]byte{input, starts, ends} {
		require.NoError(t, e.BindInput(h, i, len(in)))
	}
	require.NoError(t, e.BindOutput(h, 0, windows*simgpu.ReduceRecordBytes, buffers.WriteOnly))
	require.NoError(t, e.BindOperator(h, operators.Reduce,
		operators.ReduceConstants{Tuples: tuples, Bytes: int32(len(input)), ScratchSize: 4 * windows}.Int32s()))
	require.NoError(t, e.Execute(h, windows, windows))

	out := callbacks.outputs[0]
	for w := range windows {
		record := out[w*simgpu.ReduceRecordBytes:]
		count := int32(binary.LittleEndian.Uint32(record[12:]))
		if w == windows-1 {
			assert.Zero(t, count, "empty window")
			continue
		}
		first := w * tuples / windows
		var sum float32
		for i := first; i < first+tuples/windows; i++ {
			sum += float32(i)
		}
		assert.Equal(t, int64(5000+first), int64(binary.LittleEndian.Uint64(record)), "window %d timestamp", w)
		assert.Equal(t, sum, math.Float32frombits(binary.LittleEndian.Uint32(record[8:])), "window %d sum", w)
		assert.Equal(t, int32(tuples/windows), count)
	}
}

func TestHostBuffers(t *testing.T) {
	input := makeTuples(64)
	callbacks := newHost(input)
	e, _ := newEngine(t, Config{HostBuffers: 2, PinningMode: pinned.BestEffort}, callbacks)
	hIn, in, err := e.HostBuffer(len(input))
	require.NoError(t, err)
	hOut, out, err := e.HostBuffer(len(input))
	require.NoError(t, err)
	_, _, err = e.HostBuffer(16)
	assert.True(t, errors.Is(err, buffers.ErrPoolExhausted))

	h := must.M1(e.Open(`__kernel void dummyKernel(__global uchar *in, __global uchar *out) {}`, 1, 1, 1))
	require.NoError(t, e.BindInputHost(h, 0, in))
	require.NoError(t, e.BindOutputHost(h, 0, out, buffers.WriteOnly))
	require.NoError(t, e.BindOperator(h, operators.Identity, nil))
	require.NoError(t, e.Execute(h, 64, 16))
	assert.Equal(t, input, out, "outputs land in the mapped host buffer")
	assert.Equal(t, input, callbacks.outputs[0])

	require.NoError(t, e.Close(h))
	require.NoError(t, e.ReleaseHostBuffer(hIn))
	require.NoError(t, e.ReleaseHostBuffer(hOut))
	assert.Error(t, e.ReleaseHostBuffer(hOut))
}

func TestNewFromConfig(t *testing.T) {
	e, err := New(Config{Backend: simgpu.BackendName + ":workers=1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, simgpu.BackendName, e.Backend().Name())
	e.Teardown()

	_, err = New(Config{Backend: "nonexistent:"}, nil)
	assert.Error(t, err)
}

func TestDataMovementOps(t *testing.T) {
	input := makeTuples(32)
	callbacks := newHost(input)
	e, _ := newEngine(t, Config{}, callbacks)
	h := must.M1(e.Open(`__kernel void dummyKernel(__global uchar *in, __global uchar *out) {}`, 1, 1, 2))
	require.NoError(t, e.BindInput(h, 0, len(input)))
	require.NoError(t, e.BindOutput(h, 0, len(input), buffers.WriteOnly))
	require.NoError(t, e.BindOutput(h, 1, 64, buffers.DoNotMove))

	require.NoError(t, e.CopyInputs(h))
	require.NoError(t, e.CopyOutputs(h))
	require.NoError(t, e.MoveInputs(h))
	require.NoError(t, e.MoveOutputs(h))
	require.NoError(t, e.MoveInputsAndOutputs(h))
	require.NoError(t, e.TestDataMovement(h))
	require.NoError(t, e.MoveDirectInputs(h, []int{0}, []int{100}))

	m := e.Metrics()
	assert.Equal(t, float64(3*len(input)+100), testutil.ToFloat64(m.BytesMoved.WithLabelValues(metrics.HostToDevice)))
	assert.Equal(t, float64(3*len(input)), testutil.ToFloat64(m.BytesMoved.WithLabelValues(metrics.DeviceToHost)),
		"DoNotMove outputs are not transferred")
	assert.Equal(t, 2, callbacks.drains, "only CopyOutputs and TestDataMovement call back")
	q := must.M1(e.Query(h))
	writes, reads := q.Context(0).InFlight()
	assert.Zero(t, writes+reads)
}

var _ backends.Backend = (*simgpu.Backend)(nil)
