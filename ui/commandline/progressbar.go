package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each update of the stats table, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// medianWindow is the number of most recent batches used for the median batch duration.
const medianWindow = 1024

// numFixedRows of the stats table, before the extra metrics.
const numFixedRows = 4

type progressUpdate struct {
	amount     int
	batches    int
	bytes      int64
	elapsed    time.Duration
	medianStep time.Duration
}

// ProgressBar displays the progression of a benchmark run, with a live table of batches executed,
// bytes moved, throughput and median batch duration.
//
// Batch must be called from one goroutine. Drawing happens asynchronously and Batch never blocks on it.
type ProgressBar struct {
	bar        *progressbar.ProgressBar
	termenv    *termenv.Output
	statsStyle lipgloss.Style
	statsTable *lgtable.Table

	isFirstOutput    bool
	updates          chan progressUpdate
	asyncUpdatesDone sync.WaitGroup
	extraMetricFns   []ExtraMetricFn

	start     time.Time
	batches   int
	bytes     int64
	pending   int
	durations []time.Duration
}

// NewProgressBar starts displaying a progress bar named description, for numBatches batches.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the stats table and should return a name (title) and a value to be included in it.
func NewProgressBar(description string, numBatches int, extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		updates:        make(chan progressUpdate, 100), // Large buffer so batches are not blocked.
		extraMetricFns: extraMetrics,
		start:          time.Now(),
	}
	pBar.bar = progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription(fmt.Sprintf("%12s [bold]", description)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.draw()
	return pBar
}

// Batch reports one batch that moved bytes between host and device and took d to complete.
func (pBar *ProgressBar) Batch(bytes int, d time.Duration) {
	pBar.batches++
	pBar.bytes += int64(bytes)
	if len(pBar.durations) == medianWindow {
		pBar.durations = pBar.durations[1:]
	}
	pBar.durations = append(pBar.durations, d)
	pBar.pending++
	select {
	case pBar.updates <- pBar.update():
		pBar.pending = 0
	default:
		// Display is behind: the amount is carried over to the next update.
	}
}

func (pBar *ProgressBar) update() progressUpdate {
	return progressUpdate{
		amount:     pBar.pending,
		batches:    pBar.batches,
		bytes:      pBar.bytes,
		elapsed:    time.Since(pBar.start),
		medianStep: MedianDuration(pBar.durations),
	}
}

// Done waits for the pending updates to be drawn and restores the terminal.
func (pBar *ProgressBar) Done() {
	if pBar.pending > 0 {
		pBar.updates <- pBar.update()
	}
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
}

func (pBar *ProgressBar) draw() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Batches", humanize.Comma(int64(update.batches)))
		pBar.statsTable.Row("Bytes moved", humanize.Bytes(uint64(update.bytes)))
		pBar.statsTable.Row("Throughput", FormatThroughput(update.bytes, update.elapsed))
		pBar.statsTable.Row("Median batch duration", FormatDuration(update.medianStep))
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten: table rows, its borders and the bar line.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(numFixedRows + len(pBar.extraMetricFns) + 2 + 1)
		}
		pBar.isFirstOutput = false

		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}
