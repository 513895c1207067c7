// gpustream-bench runs streaming operator pipelines on a device and reports their throughput.
//
// Each pipeline opens one query, binds it with generated batches and executes it -batches times, with
// -depth batches in flight. Example:
//
//	gpustream-bench -backend=sim:workers=8 -pipelines=select,aggregate -batches=1000 -set="tuples=65536"
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	_ "github.com/lsds/gpustream/backends/default"
	"github.com/lsds/gpustream/buffers"
	"github.com/lsds/gpustream/engine"
	"github.com/lsds/gpustream/metrics"
	"github.com/lsds/gpustream/registry"
	"github.com/lsds/gpustream/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "",
		"Backend configuration, formatted as \"<backend_name>:<backend_configuration>\". "+
			"If empty, $GPUSTREAM_BACKEND or the best available backend is used.")
	flagPipelines = flag.String("pipelines", pipelineNames(), "Comma-separated list of pipelines to run.")
	flagBatches   = flag.Int("batches", 200, "Number of batches executed by each pipeline.")
	flagDepth     = flag.Int("depth", 2, "Pipeline depth: number of batches in flight per query.")
	flagProfiling = flag.Bool("profiling", false, "Enable device profiling: stage latencies are exported as metrics.")
	flagProgress  = flag.Bool("progress", true, "Display a progress bar while running each pipeline.")
	flagKernels   = flag.String("kernels", "",
		"File with the kernels source. If empty, only the entry points are declared, which is enough for the simulated backend.")
	flagMetricsAddr = flag.String("metrics_addr", "",
		"If set, serve Prometheus metrics on this address (e.g.: \":9100\") at /metrics while running.")
	flagSettings = flag.String("set", "",
		fmt.Sprintf("Sizes of the pipelines, as a list of \"key=value\" separated by \";\". Defaults: %q",
			commandline.SprintSettings(defaultSettings())))
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 0 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run() error {
	settings := defaultSettings()
	if _, err := commandline.ParseSettings(settings, *flagSettings); err != nil {
		return err
	}
	s, err := sizesFrom(settings)
	if err != nil {
		return err
	}
	var selected []pipeline
	for _, name := range strings.Split(*flagPipelines, ",") {
		p, err := findPipeline(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		selected = append(selected, p)
	}
	source := declarations()
	if *flagKernels != "" {
		source = string(must.M1(os.ReadFile(*flagKernels)))
	}

	m := metrics.New("gpustream")
	if *flagMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		go func() {
			if err := http.ListenAndServe(*flagMetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.Errorf("metrics server on %s: %v", *flagMetricsAddr, err)
			}
		}()
	}

	host := newFeeder()
	e, err := engine.New(engine.Config{
		Backend:       *flagBackend,
		PipelineDepth: *flagDepth,
		Profiling:     *flagProfiling,
		Metrics:       m,
	}, host)
	if err != nil {
		return err
	}
	defer e.Teardown()

	fmt.Println(titleStyle.Render(fmt.Sprintf("gpustream on %s", e.Backend().Description())))
	summary := newPlainTable(false)
	summary.Row("engine", e.ID().String())
	summary.Row("batches", humanize.Comma(int64(*flagBatches)))
	summary.Row("depth", fmt.Sprint(e.Config().PipelineDepth))
	summary.Row("tuples per batch", humanize.Comma(int64(s.tuples)))
	summary.Row("batch size", humanize.Bytes(uint64(s.tuples*tupleBytes)))
	summary.Row("settings", commandline.SprintSettings(settings))
	fmt.Println(summary.Render())

	var results []result
	for _, p := range selected {
		r, err := runPipeline(e, host, p, s, source)
		if err != nil {
			return err
		}
		results = append(results, r)
	}
	report(results, s)
	return nil
}

// result of running one pipeline.
type result struct {
	name       string
	batches    int
	batchBytes int
	elapsed    time.Duration
	median     time.Duration
	mark       int
}

func runPipeline(e *engine.Engine, host *feeder, p pipeline, s sizes, source string) (result, error) {
	inputs, outputs, constants := p.setup(s)
	h, err := e.Open(source, p.kernels, len(inputs), len(outputs))
	if err != nil {
		return result{}, err
	}
	defer func() { _ = e.Close(h) }()
	host.register(h, inputs)
	defer host.unregister(h)

	r := result{name: p.name, batches: *flagBatches}
	for i, in := range inputs {
		if err = e.BindInput(h, i, len(in)); err != nil {
			return r, err
		}
		r.batchBytes += len(in)
	}
	for i, out := range outputs {
		if err = e.BindOutput(h, i, out.size, out.flags); err != nil {
			return r, err
		}
		if !p.movementOnly || !out.flags.Has(buffers.DoNotMove) {
			r.batchBytes += out.size
		}
	}
	if err = e.BindOperator(h, p.kind, constants); err != nil {
		return r, err
	}
	batch := p.batch
	if batch == nil {
		batch = func(e *engine.Engine, h registry.Handle, s sizes) error {
			return e.Execute(h, s.tuples, s.threadsPerGroup)
		}
	}

	var bar *commandline.ProgressBar
	if *flagProgress {
		bar = commandline.NewProgressBar(p.name, r.batches, func() (string, string) {
			return "Last mark", humanize.Comma(int64(host.mark(h)))
		})
	}
	durations := make([]time.Duration, 0, r.batches)
	start := time.Now()
	for range r.batches {
		batchStart := time.Now()
		if err = batch(e, h, s); err != nil {
			return r, err
		}
		d := time.Since(batchStart)
		durations = append(durations, d)
		if bar != nil {
			bar.Batch(r.batchBytes, d)
		}
	}
	if err = e.Drain(h); err != nil {
		return r, err
	}
	r.elapsed = time.Since(start)
	if bar != nil {
		bar.Done()
	}
	r.median = commandline.MedianDuration(durations)
	r.mark = host.mark(h)
	klog.V(1).Infof("pipeline %s: %d batches in %s", p.name, r.batches, r.elapsed)
	return r, nil
}

func report(results []result, s sizes) {
	fmt.Println(titleStyle.Render("Results"))
	table := newPlainTable(true)
	table.Row("Pipeline", "Batches", "Elapsed", "Median batch", "Tuples/s", "Throughput", "Last mark")
	for _, r := range results {
		table.Row(r.name,
			humanize.Comma(int64(r.batches)),
			commandline.FormatDuration(r.elapsed),
			commandline.FormatDuration(r.median),
			commandline.FormatRate(int64(r.batches*s.tuples), r.elapsed, "tuples"),
			commandline.FormatThroughput(int64(r.batches*r.batchBytes), r.elapsed),
			humanize.Comma(int64(r.mark)))
	}
	fmt.Println(table.Render())
}
