// Package metrics exports Prometheus collectors for the engine: batches executed, bytes moved between
// host and device, stage latencies reported by profiling queues, open queries and program compilations.
//
// Collectors are registered on their own registry, so more than one engine (or test) can coexist in a
// process. Use Handler to serve them.
package metrics

import (
	"net/http"

	"github.com/lsds/gpustream/query"
	"github.com/lsds/gpustream/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Directions of data movement.
const (
	HostToDevice = "host_to_device"
	DeviceToHost = "device_to_host"
)

// Stages reported by ObserveBatch.
const (
	StageWrite  = "write"
	StageKernel = "kernel"
	StageRead   = "read"
	StageBatch  = "batch"
)

// Metrics holds the collectors of one engine.
type Metrics struct {
	// Registry where all collectors are registered.
	Registry *prometheus.Registry

	Executions    *prometheus.CounterVec
	BytesMoved    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	OpenQueries   prometheus.Gauge
	Compilations  prometheus.Counter
	CacheHits     prometheus.Counter
}

// New creates the collectors, with names prefixed by namespace (e.g.: "gpustream").
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of batches executed, by operator",
			},
			[]string{"operator"},
		),
		BytesMoved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_moved_total",
				Help:      "Total number of bytes transferred between host and device",
			},
			[]string{"direction"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Device time of the pipeline stages of a batch, from profiling events",
				Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
			},
			[]string{"stage"},
		),
		OpenQueries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_queries",
			Help:      "Number of queries currently open",
		}),
		Compilations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "program_compilations_total",
			Help:      "Total number of kernel programs compiled",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "program_cache_hits_total",
			Help:      "Total number of queries opened with an already compiled program",
		}),
	}
}

// Executed counts one batch of operator.
func (m *Metrics) Executed(operator string) {
	if operator == "" {
		operator = "unknown"
	}
	m.Executions.WithLabelValues(operator).Inc()
}

// Moved counts bytes transferred in direction.
func (m *Metrics) Moved(direction string, bytes int) {
	if bytes <= 0 {
		return
	}
	m.BytesMoved.WithLabelValues(direction).Add(float64(bytes))
}

// ObserveBatch implements query.Profiler.
func (m *Metrics) ObserveBatch(_ registry.Handle, _ []string, p query.Profile) {
	m.StageDuration.WithLabelValues(StageWrite).Observe(p.Write.Duration().Seconds())
	for _, k := range p.Kernels {
		m.StageDuration.WithLabelValues(StageKernel).Observe(k.Duration().Seconds())
	}
	m.StageDuration.WithLabelValues(StageRead).Observe(p.Read.Duration().Seconds())
	m.StageDuration.WithLabelValues(StageBatch).Observe(p.Total().Seconds())
}

var _ query.Profiler = (*Metrics)(nil)

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
