package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lsds/gpustream/backends"
	"github.com/lsds/gpustream/query"
	"github.com/lsds/gpustream/registry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New("test")
	m.Executed("Select")
	m.Executed("Select")
	m.Executed("")
	m.Moved(HostToDevice, 1024)
	m.Moved(DeviceToHost, 0)
	m.OpenQueries.Inc()
	m.Compilations.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Executions.WithLabelValues("Select")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("unknown")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.BytesMoved.WithLabelValues(HostToDevice)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BytesMoved.WithLabelValues(DeviceToHost)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OpenQueries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compilations))
}

func TestObserveBatch(t *testing.T) {
	m := New("test")
	start := time.Now()
	stage := func(from, to time.Duration) backends.Profile {
		return backends.Profile{Started: start.Add(from), Ended: start.Add(to)}
	}
	m.ObserveBatch(registry.Handle{}, []string{"a", "b"}, query.Profile{
		Write:   stage(0, time.Millisecond),
		Kernels: []backends.Profile{stage(time.Millisecond, 2*time.Millisecond), stage(2*time.Millisecond, 3*time.Millisecond)},
		Read:    stage(3*time.Millisecond, 5*time.Millisecond),
	})
	assert.Equal(t, 4, testutil.CollectAndCount(m.StageDuration))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `test_stage_duration_seconds_count{stage="kernel"} 2`), body)
	assert.True(t, strings.Contains(body, `test_stage_duration_seconds_sum{stage="batch"} 0.005`), body)
}
