package main

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/lsds/gpustream/backends/simgpu"
	"github.com/lsds/gpustream/buffers"
	"github.com/lsds/gpustream/engine"
	"github.com/lsds/gpustream/operators"
	"github.com/lsds/gpustream/registry"
	"github.com/pkg/errors"
)

// tupleBytes is the width of the generated tuples: timestamp followed by three int32 attributes.
const tupleBytes = simgpu.TimestampBytes + 3*simgpu.AttributeBytes

func defaultSettings() map[string]any {
	return map[string]any{
		"tuples":            32 * 1024,
		"threads_per_group": 256,
		"projected_bytes":   12,
		"windows":           64,
		"table_size":        4096,
		"stash":             64,
		"max_iterations":    64,
		"keys":              1024,
		"seed":              int64(42),
	}
}

// sizes of the generated batches and of the operator geometry.
type sizes struct {
	tuples          int
	threadsPerGroup int
	projectedBytes  int
	windows         int
	tableSize       int
	stash           int
	maxIterations   int
	keys            int
	seed            int64
}

func sizesFrom(settings map[string]any) (s sizes, err error) {
	s = sizes{
		tuples:          settings["tuples"].(int),
		threadsPerGroup: settings["threads_per_group"].(int),
		projectedBytes:  settings["projected_bytes"].(int),
		windows:         settings["windows"].(int),
		tableSize:       settings["table_size"].(int),
		stash:           settings["stash"].(int),
		maxIterations:   settings["max_iterations"].(int),
		keys:            settings["keys"].(int),
		seed:            settings["seed"].(int64),
	}
	switch {
	case s.tuples <= 0 || s.threadsPerGroup <= 0 || s.windows <= 0 || s.keys <= 0:
		err = errors.Errorf("tuples, threads_per_group, windows and keys must be positive")
	case s.tuples%s.threadsPerGroup != 0:
		err = errors.Errorf("tuples (%d) must be a multiple of threads_per_group (%d)", s.tuples, s.threadsPerGroup)
	case s.windows > s.threadsPerGroup && s.windows%s.threadsPerGroup != 0:
		err = errors.Errorf("windows (%d) must be at most, or a multiple of, threads_per_group (%d)",
			s.windows, s.threadsPerGroup)
	case s.projectedBytes <= 0 || s.projectedBytes > tupleBytes:
		err = errors.Errorf("projected_bytes must be in (0, %d], got %d", tupleBytes, s.projectedBytes)
	case s.tableSize <= 0 || s.stash < 0 || s.maxIterations <= 0:
		err = errors.Errorf("invalid hash table geometry (table_size=%d, stash=%d, max_iterations=%d)",
			s.tableSize, s.stash, s.maxIterations)
	}
	return
}

// makeTuples generates the input batch: the first attribute is a key in [-keys/2, keys/2), so about
// half of the tuples pass the selection, the second a value in [0, 100) and the third the tuple index.
func makeTuples(s sizes) []byte {
	rng := rand.New(rand.NewPCG(uint64(s.seed), 0x9e3779b97f4a7c15))
	b := make([]byte, s.tuples*tupleBytes)
	for i := range s.tuples {
		tuple := b[i*tupleBytes:]
		binary.LittleEndian.PutUint64(tuple, uint64(1_000_000+i))
		binary.LittleEndian.PutUint32(tuple[8:], uint32(int32(rng.IntN(s.keys)-s.keys/2)))
		binary.LittleEndian.PutUint32(tuple[12:], uint32(rng.IntN(100)))
		binary.LittleEndian.PutUint32(tuple[16:], uint32(i))
	}
	return b
}

func int32Bytes(values ...int32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(v))
	}
	return b
}

// output of a pipeline query.
type output struct {
	size  int
	flags buffers.Flags
}

// pipeline is one benchmarked query: its shape, the batch contents and how to execute one batch.
type pipeline struct {
	name    string
	kind    operators.Kind
	kernels int

	// setup returns the inputs, outputs and operator constants of the query.
	setup func(s sizes) (inputs [][]byte, outputs []output, constants []int32)

	// batch executes one batch. If nil, Execute is called with tuples threads.
	batch func(e *engine.Engine, h registry.Handle, s sizes) error

	// movementOnly batches skip kernels, and then DoNotMove outputs are not transferred.
	movementOnly bool
}

var pipelines = []pipeline{
	{
		name: "identity", kind: operators.Identity, kernels: 1,
		setup: func(s sizes) ([][]byte, []output, []int32) {
			in := makeTuples(s)
			return [][]byte{in}, []output{{len(in), buffers.WriteOnly}}, nil
		},
	},
	{
		name: "project", kind: operators.Project, kernels: 1,
		setup: func(s sizes) ([][]byte, []output, []int32) {
			in := makeTuples(s)
			c := operators.ProjectConstants{Tuples: int32(s.tuples), Bytes: int32(len(in)),
				LocalInputSize: int32(s.threadsPerGroup * tupleBytes), LocalOutputSize: int32(s.threadsPerGroup * s.projectedBytes)}
			return [][]byte{in}, []output{{s.tuples * s.projectedBytes, buffers.WriteOnly}}, c.Int32s()
		},
	},
	{
		name: "reduce", kind: operators.Reduce, kernels: 1,
		setup: func(s sizes) ([][]byte, []output, []int32) {
			in := makeTuples(s)
			starts, ends := make([]int32, s.windows), make([]int32, s.windows)
			per := max(s.tuples/s.windows, 1) * tupleBytes
			for w := range s.windows {
				starts[w], ends[w] = int32(min(w*per, len(in))), int32(min((w+1)*per, len(in)))
			}
			c := operators.ReduceConstants{Tuples: int32(s.tuples), Bytes: int32(len(in)), ScratchSize: int32(4 * s.windows)}
			return [][]byte{in, int32Bytes(starts...), int32Bytes(ends...)},
				[]output{{s.windows * simgpu.ReduceRecordBytes, buffers.WriteOnly}}, c.Int32s()
		},
		batch: func(e *engine.Engine, h registry.Handle, s sizes) error {
			return e.Execute(h, s.windows, min(s.windows, s.threadsPerGroup))
		},
	},
	{
		name: "select", kind: operators.Select, kernels: 2,
		setup: func(s sizes) ([][]byte, []output, []int32) {
			in := makeTuples(s)
			groups := s.tuples / s.threadsPerGroup
			c := operators.SelectConstants{Size: int32(len(in)), Tuples: int32(s.tuples), Bundle: 1, Bundles: int32(s.tuples),
				ScratchSize: int32(4 * s.threadsPerGroup)}
			return [][]byte{in}, []output{
				{4 * s.tuples, buffers.DoNotMove},
				{4 * s.tuples, buffers.DoNotMove},
				{4 * (groups + 1), buffers.WriteOnly | buffers.BearsMark},
				{len(in), buffers.WriteOnly},
			}, c.Int32s()
		},
	},
	{
		name: "aggregate", kind: operators.Aggregate, kernels: 3,
		setup: func(s sizes) ([][]byte, []output, []int32) {
			in := makeTuples(s)
			c := operators.AggregateConstants{Tuples: int32(s.tuples), TableSize: int32(s.tableSize),
				StashX: int32(s.stash), StashY: int32(s.stash), MaxIterations: int32(s.maxIterations),
				ScratchSize: int32(4 * s.threadsPerGroup)}
			slots := c.NumSlots()
			inputs := [][]byte{in, int32Bytes(0), int32Bytes(int32(len(in))),
				int32Bytes(1103515245, 12345), int32Bytes(69069, 1)}
			return inputs, []output{
				{simgpu.SlotBytes * slots, buffers.DoNotMove},
				{4, buffers.DoNotMove},
				{4 * s.tuples, buffers.WriteOnly},
				{4 * s.tuples, buffers.DoNotMove},
				{4 * slots, buffers.DoNotMove},
				{4 * (slots + 1), buffers.DoNotMove | buffers.BearsMark},
				{simgpu.SlotBytes * slots, buffers.WriteOnly},
			}, c.Int32s()
		},
	},
	{
		name: "movement", kind: operators.Identity, kernels: 1, movementOnly: true,
		setup: func(s sizes) ([][]byte, []output, []int32) {
			in := makeTuples(s)
			return [][]byte{in}, []output{{len(in), buffers.WriteOnly}}, nil
		},
		batch: func(e *engine.Engine, h registry.Handle, _ sizes) error {
			return e.TestDataMovement(h)
		},
	},
}

func pipelineNames() string {
	names := make([]string, len(pipelines))
	for i, p := range pipelines {
		names[i] = p.name
	}
	return strings.Join(names, ",")
}

func findPipeline(name string) (pipeline, error) {
	for _, p := range pipelines {
		if p.name == name {
			return p, nil
		}
	}
	return pipeline{}, errors.Errorf("unknown pipeline %q, valid pipelines are %q", name, pipelineNames())
}

// declarations is a kernel source declaring every operator entry point, without bodies. It is all
// the simulated backend needs.
func declarations() string {
	var sb strings.Builder
	seen := make(map[string]bool)
	for _, kind := range operators.Kinds() {
		for _, name := range operators.MustLayout(kind).EntryPoints {
			if !seen[name] {
				seen[name] = true
				_, _ = fmt.Fprintf(&sb, "__kernel void %s() {}\n", name)
			}
		}
	}
	return sb.String()
}
