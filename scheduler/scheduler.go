// Package scheduler implements the single scheduling primitive the core
// runs on: a timer-ordered queue of (deadline, task) pairs drained by one
// sender goroutine, plus the bounded worker pool cryptographic operations
// are dispatched to and the watchdog heartbeat that guards against
// lock-order stalls.
package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/sirupsen/logrus"
)

// Task is a unit of work the Scheduler's sender goroutine runs inline. Tasks
// must not block: long cryptography belongs on the Executor (executor.go),
// never here — the handshake engine never suspends inside a state
// transition.
type Task func()

type timerEntry struct {
	deadline time.Time
	task     Task
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is the sender task: it polls registered
// per-peer work every SenderCoalesceInterval at most, or sooner when a
// producer calls Wake or schedules a nearer deadline.
type Scheduler struct {
	mu      sync.Mutex
	pending timerHeap
	wake    chan struct{}
	stop    chan struct{}
	stopped bool

	tp        crypto.TimeProvider
	heartbeat *uint64Counter

	periodic []Task
}

// New constructs a Scheduler. tp defaults to crypto.DefaultTimeProvider if
// nil.
func New(tp crypto.TimeProvider) *Scheduler {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	return &Scheduler{
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		tp:        tp,
		heartbeat: &uint64Counter{},
	}
}

// Heartbeat exposes the counter the Watchdog observes: every loop
// iteration of Run increments it, whether or not any task fired.
func (s *Scheduler) Heartbeat() *uint64Counter { return s.heartbeat }

// AddPeriodic registers work invoked on every coalesced tick regardless of
// any explicit deadline — the per-peer loss-check / M3-retransmit / ack
// flush sweep that must run at least every SenderCoalesceInterval.
func (s *Scheduler) AddPeriodic(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periodic = append(s.periodic, t)
}

// ScheduleAt queues a one-shot task to run at or after deadline. A later
// call to Wake (or a nearer ScheduleAt) can cause it to run sooner than
// SenderCoalesceInterval would otherwise allow.
func (s *Scheduler) ScheduleAt(deadline time.Time, t Task) {
	s.mu.Lock()
	heap.Push(&s.pending, &timerEntry{deadline: deadline, task: t})
	s.mu.Unlock()
	s.Wake()
}

// Wake signals the sender loop to run a tick immediately rather than wait
// out the rest of its coalescing window.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop halts the sender loop. Safe to call once; subsequent calls are
// no-ops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stop)
}

// Run drains the scheduler until Stop is called. It suspends on the
// earliest of: the next queued deadline, SenderCoalesceInterval elapsed, or
// an explicit Wake. Intended to run in its own
// goroutine: `go sched.Run()`.
func (s *Scheduler) Run() {
	log := logrus.WithFields(logrus.Fields{"package": "scheduler"})
	log.Debug("sender task starting")
	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-s.stop:
			timer.Stop()
			log.Debug("sender task stopping")
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
		s.tick()
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return limits.SenderCoalesceInterval
	}
	until := s.pending[0].deadline.Sub(s.tp.Now())
	if until <= 0 {
		return 0
	}
	if until > limits.SenderCoalesceInterval {
		return limits.SenderCoalesceInterval
	}
	return until
}

func (s *Scheduler) tick() {
	now := s.tp.Now()

	s.mu.Lock()
	var due []Task
	for len(s.pending) > 0 && !s.pending[0].deadline.After(now) {
		e := heap.Pop(&s.pending).(*timerEntry)
		due = append(due, e.task)
	}
	periodic := append([]Task(nil), s.periodic...)
	s.mu.Unlock()

	for _, t := range due {
		t()
	}
	for _, t := range periodic {
		t()
	}
	s.heartbeat.Increment()
}

// uint64Counter is a minimal atomic counter; kept local rather than reusing
// sync/atomic.Uint64 directly so Watchdog can depend on a named type.
type uint64Counter struct {
	mu    sync.Mutex
	value uint64
}

func (c *uint64Counter) Increment() {
	c.mu.Lock()
	c.value++
	c.mu.Unlock()
}

func (c *uint64Counter) Load() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
