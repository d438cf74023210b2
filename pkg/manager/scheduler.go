package manager

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/kasuboski/reconcilearr/pkg/logger"
)

// ScheduleResult reports whether schedule() created a new task or
// coalesced an existing one with the same fingerprint.
type ScheduleResult string

const (
	Scheduled ScheduleResult = "scheduled"
	Coalesced ScheduleResult = "coalesced"
)

// Handler processes a fired task. The fingerprint has already been removed
// from the scheduler by the time Handler runs, so it may reschedule itself.
type Handler func(ctx context.Context, task ReconciliationTask)

// Scheduler is a single-process in-memory timer wheel keyed by
// Fingerprint. Concurrent schedule/cancel/fire calls are safe.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[Fingerprint]*schedulerEntry
	pending entryHeap
	wake    chan struct{}
	handler Handler
	now     func() time.Time
}

type schedulerEntry struct {
	task  ReconciliationTask
	index int
}

// entryHeap orders scheduler entries by DueAt, earliest first.
type entryHeap []*schedulerEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].task.DueAt.Before(h[j].task.DueAt) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*schedulerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// NewScheduler builds a Scheduler that invokes handler for each task as it
// fires.
func NewScheduler(handler Handler) *Scheduler {
	return &Scheduler{
		tasks:   make(map[Fingerprint]*schedulerEntry),
		pending: entryHeap{},
		wake:    make(chan struct{}, 1),
		handler: handler,
		now:     time.Now,
	}
}

// Schedule creates or coalesces a task for fingerprint. Coalescing takes
// the later of the two due_at values and the latest trigger, per §4.6.
func (s *Scheduler) Schedule(fp Fingerprint, dueAt time.Time, trigger SchedulerTrigger) ScheduleResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.tasks[fp]; ok {
		if dueAt.After(e.task.DueAt) {
			e.task.DueAt = dueAt
			heap.Fix(&s.pending, e.index)
		}
		e.task.Trigger = trigger
		s.notify()
		return Coalesced
	}

	e := &schedulerEntry{task: ReconciliationTask{Fingerprint: fp, DueAt: dueAt, Trigger: trigger}}
	s.tasks[fp] = e
	heap.Push(&s.pending, e)
	s.notify()
	return Scheduled
}

// Cancel removes a pending task, reporting whether one existed.
func (s *Scheduler) Cancel(fp Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[fp]
	if !ok {
		return false
	}

	delete(s.tasks, fp)
	heap.Remove(&s.pending, e.index)
	return true
}

// Pending reports the number of tasks awaiting their due_at.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// nextDue returns the earliest due_at and whether any task is pending.
func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return time.Time{}, false
	}
	return s.pending[0].task.DueAt, true
}

// fireDue removes and returns every task whose due_at has passed, earliest
// due_at first, so past-due tasks fire immediately. Tasks with equal due_at
// come out in no defined order.
func (s *Scheduler) fireDue() []ReconciliationTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []ReconciliationTask
	for len(s.pending) > 0 && !s.pending[0].task.DueAt.After(now) {
		e := heap.Pop(&s.pending).(*schedulerEntry)
		delete(s.tasks, e.task.Fingerprint)
		due = append(due, e.task)
	}
	return due
}

// Serve runs the scheduler until ctx is cancelled, matching
// thejerf/suture's Service interface so it can be supervised alongside
// the engine and webhook server.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.Run(ctx)
	return ctx.Err()
}

// Run waits until the earliest due_at, fires it, and continues until ctx
// is cancelled. The task is removed from the scheduler before its handler
// runs, so the handler is free to reschedule it.
func (s *Scheduler) Run(ctx context.Context) {
	log := logger.FromCtx(ctx)
	log.Info("scheduler started")

	for {
		due := s.fireDue()
		for _, task := range due {
			s.handler(ctx, task)
		}

		next, ok := s.nextDue()
		var wait time.Duration
		if ok {
			wait = next.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Hour
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("scheduler stopped")
			return
		case <-timer.C:
		case <-s.wake:
			timer.Stop()
		}
	}
}
