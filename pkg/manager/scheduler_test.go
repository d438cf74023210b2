package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleCreatesNewTask(t *testing.T) {
	s := NewScheduler(func(context.Context, ReconciliationTask) {})
	fp := Fingerprint{EpisodeID: 42, DownloadID: "D1"}

	result := s.Schedule(fp, time.Now().Add(time.Hour), TriggerPostGrabCheck)
	assert.Equal(t, Scheduled, result)
	assert.Equal(t, 1, s.Pending())
}

func TestScheduleCoalescesToLaterDueAt(t *testing.T) {
	s := NewScheduler(func(context.Context, ReconciliationTask) {})
	fp := Fingerprint{EpisodeID: 42, DownloadID: "D1"}

	earlier := time.Now().Add(time.Minute)
	later := time.Now().Add(time.Hour)

	require.Equal(t, Scheduled, s.Schedule(fp, earlier, TriggerPostGrabCheck))
	result := s.Schedule(fp, later, TriggerRetry)
	assert.Equal(t, Coalesced, result)
	assert.Equal(t, 1, s.Pending())

	due, ok := s.nextDue()
	require.True(t, ok)
	assert.True(t, due.Equal(later))
}

func TestScheduleCoalesceKeepsLaterWhenSecondIsEarlier(t *testing.T) {
	s := NewScheduler(func(context.Context, ReconciliationTask) {})
	fp := Fingerprint{EpisodeID: 42, DownloadID: "D1"}

	later := time.Now().Add(time.Hour)
	earlier := time.Now().Add(time.Minute)

	s.Schedule(fp, later, TriggerPostGrabCheck)
	s.Schedule(fp, earlier, TriggerRetry)

	due, ok := s.nextDue()
	require.True(t, ok)
	assert.True(t, due.Equal(later), "due_at must be the max of scheduled values")
}

func TestCancelRemovesPendingTask(t *testing.T) {
	s := NewScheduler(func(context.Context, ReconciliationTask) {})
	fp := Fingerprint{EpisodeID: 42, DownloadID: "D1"}

	s.Schedule(fp, time.Now().Add(time.Hour), TriggerPostGrabCheck)
	assert.True(t, s.Cancel(fp))
	assert.Equal(t, 0, s.Pending())
	assert.False(t, s.Cancel(fp))
}

func TestRunFiresTaskExactlyOnce(t *testing.T) {
	var fired atomic.Int32
	var mu sync.Mutex
	var seen []Fingerprint

	s := NewScheduler(func(_ context.Context, task ReconciliationTask) {
		fired.Add(1)
		mu.Lock()
		seen = append(seen, task.Fingerprint)
		mu.Unlock()
	})

	fp := Fingerprint{EpisodeID: 42, DownloadID: "D1"}
	s.Schedule(fp, time.Now().Add(10*time.Millisecond), TriggerPostGrabCheck)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Fingerprint{fp}, seen)
}

func TestRunFiresPastDueTasksImmediately(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler(func(context.Context, ReconciliationTask) { fired.Add(1) })

	s.Schedule(Fingerprint{EpisodeID: 1, DownloadID: "A"}, time.Now().Add(-time.Minute), TriggerRetry)
	s.Schedule(Fingerprint{EpisodeID: 2, DownloadID: "B"}, time.Now().Add(-time.Minute), TriggerRetry)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	require.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, time.Millisecond)
}

func TestHandlerCanRescheduleItself(t *testing.T) {
	var fired atomic.Int32
	fp := Fingerprint{EpisodeID: 1, DownloadID: "A"}

	var s *Scheduler
	s = NewScheduler(func(_ context.Context, task ReconciliationTask) {
		n := fired.Add(1)
		if n == 1 {
			s.Schedule(fp, time.Now().Add(5*time.Millisecond), TriggerRetry)
		}
	})

	s.Schedule(fp, time.Now().Add(5*time.Millisecond), TriggerPostGrabCheck)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()

	require.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, time.Millisecond)
}
