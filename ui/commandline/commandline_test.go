package commandline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultSettings() map[string]any {
	return map[string]any{
		"tuples":    1024,
		"seed":      int64(7),
		"ratio":     0.5,
		"profiling": false,
		"name":      "bench",
		"windows":   []int{},
	}
}

func TestParseSettings(t *testing.T) {
	values := defaultSettings()
	keysSet, err := ParseSettings(values, "tuples=1_000_000;seed=13;ratio=0.25; profiling=true;name=sel;windows=1,2,4;")
	require.NoError(t, err)
	require.Equal(t, []string{"tuples", "seed", "ratio", "profiling", "name", "windows"}, keysSet)
	assert.Equal(t, 1_000_000, values["tuples"])
	assert.Equal(t, int64(13), values["seed"])
	assert.Equal(t, 0.25, values["ratio"])
	assert.Equal(t, true, values["profiling"])
	assert.Equal(t, "sel", values["name"])
	assert.Equal(t, []int{1, 2, 4}, values["windows"])
	assert.Equal(t, "name=sel;profiling=true;ratio=0.25;seed=13;tuples=1000000;windows=1,2,4", SprintSettings(values))

	for _, bad := range []string{"unknown=3", "tuples", "tuples=a", "profiling=3", "a=b=c", "windows=1,x"} {
		_, err = ParseSettings(defaultSettings(), bad)
		assert.Error(t, err, "settings %q", bad)
	}
}

func TestParseSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.conf")
	require.NoError(t, os.WriteFile(path, []byte("# Larger batches.\ntuples=4096\n\nseed=3;ratio=1.5\n"), 0o644))
	values := defaultSettings()
	keysSet, err := ParseSettings(values, "file:"+path+";name=x")
	require.NoError(t, err)
	assert.Equal(t, []string{"tuples", "seed", "ratio", "name"}, keysSet)
	assert.Equal(t, 4096, values["tuples"])
	assert.Equal(t, 1.5, values["ratio"])

	_, err = ParseSettings(values, "file:"+path+".missing")
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567890*time.Nanosecond))
	assert.Equal(t, "1.50ms", FormatDuration(1500*time.Microsecond))
	assert.Equal(t, "0.00s", FormatDuration(0))
	assert.Equal(t, "2.0 MB/s", FormatThroughput(1_000_000, 500*time.Millisecond))
	assert.Equal(t, "-", FormatThroughput(1, 0))
	assert.Equal(t, "2 Mtuples/s", FormatRate(1_000_000, 500*time.Millisecond, "tuples"))
	assert.Equal(t, 3*time.Millisecond, MedianDuration([]time.Duration{5 * time.Millisecond, time.Millisecond, 3 * time.Millisecond}))
	assert.Zero(t, MedianDuration(nil))
}
