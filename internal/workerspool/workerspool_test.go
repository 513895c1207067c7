package workerspool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ForEach(t *testing.T) {
	for _, parallelism := range []int{0, 1, 4, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)

		var count atomic.Int32
		seen := make([]atomic.Bool, 37)
		pool.ForEach(len(seen), func(i int) {
			count.Add(1)
			seen[i].Store(true)
		})
		assert.Equal(t, int32(len(seen)), count.Load(), "parallelism=%d", parallelism)
		for i := range seen {
			assert.True(t, seen[i].Load(), "item %d not visited with parallelism=%d", i, parallelism)
		}
	}
}

func TestPool_Bounded(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)
	var running, peak atomic.Int32
	pool.ForEach(16, func(int) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		running.Add(-1)
	})
	// Workers plus the calling goroutine.
	assert.LessOrEqual(t, int(peak.Load()), 3)
	assert.True(t, pool.IsEnabled())
	assert.False(t, pool.IsUnlimited())
}
