package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMiss(t *testing.T) {
	c := New[int]()
	_, ok := c.Get("missing")
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Stats().Misses)
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New[string]()
	c.Put("k1", "v1", time.Minute)

	v, ok := c.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
	assert.EqualValues(t, 1, c.Stats().Hits)
}

func TestExpiry(t *testing.T) {
	c := New[int]()
	restore := freezeNow(t)
	defer restore()

	c.Put("k1", 42, time.Second)
	advance(time.Second + time.Millisecond)

	_, ok := c.Get("k1")
	assert.False(t, ok, "expected entry to be expired")
}

func TestInvalidate(t *testing.T) {
	c := New[int]()
	c.Put("k1", 1, time.Minute)
	c.Put("k2", 2, time.Minute)

	c.Invalidate("k1")

	_, ok := c.Get("k1")
	assert.False(t, ok)

	v, ok := c.Get("k2")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestInvalidatePrefix(t *testing.T) {
	c := New[int]()
	c.Put("history/episode/1", 1, time.Minute)
	c.Put("history/episode/2", 2, time.Minute)
	c.Put("queue", 3, time.Minute)

	c.InvalidatePrefix("history/episode/")

	_, ok := c.Get("history/episode/1")
	assert.False(t, ok)
	_, ok = c.Get("history/episode/2")
	assert.False(t, ok)

	v, ok := c.Get("queue")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	c := New[int]()
	restore := freezeNow(t)
	defer restore()

	c.Put("stale", 1, time.Second)
	c.Put("fresh", 2, time.Hour)
	advance(time.Second + time.Millisecond)

	removed := c.Sweep()
	assert.Equal(t, 1, removed)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Expired)
}

func TestStatsCountsExpiredWithoutRemoving(t *testing.T) {
	c := New[int]()
	restore := freezeNow(t)
	defer restore()

	c.Put("stale", 1, time.Second)
	advance(time.Second + time.Millisecond)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Expired)
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	c := New[int]()
	c.Put("k", 1, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not stop after cancellation")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int]()
	var wg sync.WaitGroup
	const goroutines = 50

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := keyFor(id, j)
				c.Put(key, j, time.Minute)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, goroutines*100, c.Stats().Size)
}

func keyFor(id, j int) string {
	return fmt.Sprintf("%d/%d", id, j)
}

// freezeNow pins the package-level now() clock and returns a restore func.
func freezeNow(t *testing.T) func() {
	t.Helper()
	frozen := time.Now()
	orig := now
	now = func() time.Time { return frozen }
	return func() { now = orig }
}

// advance moves the frozen clock forward by d.
func advance(d time.Duration) {
	cur := now()
	next := cur.Add(d)
	now = func() time.Time { return next }
}
