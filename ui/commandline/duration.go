// Package commandline contains terminal helpers for benchmark runs: a progress bar with live stats,
// formatting of durations and rates, and parsing of "key=value" settings given in flags.
package commandline

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

var durationRe = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRe.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}

// FormatThroughput of bytes moved in d, e.g.: "1.2 GB/s". It returns "-" if d is not positive.
func FormatThroughput(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(float64(bytes)/d.Seconds())) + "/s"
}

// FormatRate of count items processed in d, with SI prefixes, e.g.: "3.5 Mtuples/s".
func FormatRate(count int64, d time.Duration, unit string) string {
	if d <= 0 {
		return "-"
	}
	return humanize.SIWithDigits(float64(count)/d.Seconds(), 2, unit+"/s")
}

// MedianDuration of durations, without modifying it. It returns 0 if durations is empty.
func MedianDuration(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}
