package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yyupcompany/kyyupgame-sub087/internal/clock"
)

var _ clock.Wall = (*DeterministicClock)(nil)

func TestDeterministicClock_StartsAtEpoch(t *testing.T) {
	c := NewDeterministicClock()
	assert.Equal(t, Epoch, c.Current())
	assert.Equal(t, Epoch, c.Now())
}

func TestDeterministicClock_NowAdvancesByStep(t *testing.T) {
	c := NewDeterministicClock()

	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch.Add(time.Second), c.Now())
	assert.Equal(t, Epoch.Add(2*time.Second), c.Now())
	assert.Equal(t, Epoch.Add(3*time.Second), c.Current())
}

func TestDeterministicClock_Frozen(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewDeterministicClockAt(start, 0)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start, c.Now())

	c.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), c.Now())
}

func TestDeterministicClock_Reset(t *testing.T) {
	c := NewDeterministicClock()

	c.Now()
	c.Now()
	c.Now()
	assert.Equal(t, Epoch.Add(3*time.Second), c.Current())

	c.Reset()
	assert.Equal(t, Epoch, c.Now())
}

func TestDeterministicClock_ConcurrentCallsAreUnique(t *testing.T) {
	c := NewDeterministicClock()

	const goroutines = 10
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	results := make(chan time.Time, goroutines*callsPerGoroutine)
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range callsPerGoroutine {
				results <- c.Now()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[time.Time]bool)
	for ts := range results {
		require.False(t, seen[ts], "duplicate timestamp %s", ts)
		seen[ts] = true
	}
	assert.Len(t, seen, goroutines*callsPerGoroutine)
}
