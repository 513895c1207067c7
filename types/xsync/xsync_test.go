package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	go func() {
		time.Sleep(5 * time.Millisecond)
		l.Trigger()
	}()
	l.Wait()
	assert.True(t, l.Test())
	l.Trigger() // Re-triggering must not panic on a closed channel.
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan not closed after Trigger")
	}
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[error]()
	require.False(t, l.Test())
	go l.Trigger(nil)
	assert.NoError(t, l.Wait())

	l2 := NewLatchWithValue[int]()
	l2.Trigger(7)
	l2.Trigger(11)
	assert.Equal(t, 7, l2.Wait(), "only the first value is kept")
}

func TestSyncMap(t *testing.T) {
	var m SyncMap[string, int]
	m.Store("a", 1)
	m.Store("b", 2)
	v, ok := m.Load("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	m.Delete("a")
	_, ok = m.Load("a")
	assert.False(t, ok)
	count := 0
	m.Range(func(string, int) bool { count++; return true })
	assert.Equal(t, 1, count)
}
