package _default

import (
	"fmt"
	"os"
	"slices"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/buffers"
	"github.com/lsds/gpustream/engine"
	"github.com/lsds/gpustream/operators"
	"github.com/lsds/gpustream/query"
	"github.com/lsds/gpustream/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var backend backends.Backend

func init() {
	klog.InitFlags(nil)
}

func setup() {
	fmt.Printf("Available backends: %q\n", backends.List())
	if os.Getenv(backends.ConfigEnvVar) == "" {
		must.M(os.Setenv(backends.ConfigEnvVar, "sim"))
	} else {
		fmt.Printf("\t$%s=%q\n", backends.ConfigEnvVar, os.Getenv(backends.ConfigEnvVar))
	}
	backend = backends.MustNew()
	fmt.Printf("Backend: %s, %s\n", backend.Name(), backend.Description())
}

func TestMain(m *testing.M) {
	setup()
	code := m.Run()
	backend.Finalize()
	os.Exit(code)
}

// identitySource is a real OpenCL kernel, one work-item per byte.
const identitySource = `
__kernel void dummyKernel(__global const uchar *input, __global uchar *output) {
	int i = get_global_id(0);
	output[i] = input[i];
}
`

func TestRegistered(t *testing.T) {
	assert.True(t, slices.Contains(backends.List(), "sim"))
}

func TestIdentityOnConfiguredBackend(t *testing.T) {
	const size = 4096
	input := make([]byte, size)
	for i := range input {
		input[i] = byte(i*31 + 7)
	}
	var output []byte
	callbacks := query.CallbackFuncs{
		Input: func(_ registry.Handle, _ int, host []byte, offset int) { copy(host[offset:], input) },
		Output: func(_ registry.Handle, _ int, host []byte, _ int) {
			output = append(output[:0], host...)
		},
	}
	e := must.M1(engine.NewWithBackend(backend, engine.Config{PipelineDepth: 2}, callbacks))
	defer e.Teardown()
	h := must.M1(e.Open(identitySource, 1, 1, 1))
	require.NoError(t, e.BindInput(h, 0, size))
	require.NoError(t, e.BindOutput(h, 0, size, buffers.WriteOnly))
	require.NoError(t, e.BindOperator(h, operators.Identity, nil))
	for range 3 {
		require.NoError(t, e.Execute(h, size, 64))
	}
	require.NoError(t, e.Drain(h))
	assert.Equal(t, input, output)
}
