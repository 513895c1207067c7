package main

import (
	"encoding/binary"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/lsds/gpustream/backends/simgpu"
	"github.com/lsds/gpustream/engine"
	"github.com/lsds/gpustream/ui/commandline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSizes(t *testing.T) sizes {
	settings := defaultSettings()
	_, err := commandline.ParseSettings(settings, "tuples=512;threads_per_group=64;windows=8;table_size=1024;stash=16;keys=64")
	require.NoError(t, err)
	return must.M1(sizesFrom(settings))
}

func TestSizes(t *testing.T) {
	for _, bad := range []string{"tuples=100", "projected_bytes=32", "keys=0", "max_iterations=0",
		"threads_per_group=64;windows=100"} {
		settings := defaultSettings()
		_, err := commandline.ParseSettings(settings, bad)
		require.NoError(t, err)
		_, err = sizesFrom(settings)
		assert.Error(t, err, "settings %q", bad)
	}
	settings := defaultSettings()
	_, err := commandline.ParseSettings(settings, "threads_per_group=64;windows=128")
	require.NoError(t, err)
	_, err = sizesFrom(settings)
	assert.NoError(t, err, "windows may span several groups")

	_, err = findPipeline("sort")
	assert.Error(t, err)
	assert.Contains(t, declarations(), "__kernel void compactKernel2() {}")
}

func TestPipelines(t *testing.T) {
	*flagBatches, *flagProgress = 3, false
	s := testSizes(t)
	var selected int
	keys := make(map[int32]bool)
	tuples := makeTuples(s)
	for i := range s.tuples {
		key := int32(binary.LittleEndian.Uint32(tuples[i*tupleBytes+8:]))
		keys[key] = true
		if key > 0 {
			selected++
		}
	}
	wantMarks := map[string]int{"select": selected, "aggregate": len(keys)}

	backend := must.M1(simgpu.New("workers=2"))
	defer backend.Finalize()
	host := newFeeder()
	e := must.M1(engine.NewWithBackend(backend, engine.Config{PipelineDepth: 2}, host))
	defer e.Teardown()
	for _, p := range pipelines {
		t.Run(p.name, func(t *testing.T) {
			r, err := runPipeline(e, host, p, s, declarations())
			require.NoError(t, err)
			assert.Equal(t, 3, r.batches)
			assert.Positive(t, r.batchBytes)
			assert.Equal(t, wantMarks[p.name], r.mark)
		})
	}
	assert.Equal(t, 1, e.CachedPrograms(), "all pipelines share the declarations program")
}
