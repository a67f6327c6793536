package scheduler

import (
	"sync"
	"time"

	"github.com/fn2mesh/overlaycore/crypto"
	"github.com/fn2mesh/overlaycore/limits"
	"github.com/sirupsen/logrus"
)

// Watchdog observes a Scheduler's heartbeat counter and invokes a
// caller-supplied hook if it has not advanced in WatchdogStallThreshold.
// A stalled heartbeat indicates a lock-order bug. This core is a library,
// not a daemon, so the hook is invoked instead of calling os.Exit
// directly: the embedding process decides how to restart.
type Watchdog struct {
	mu        sync.Mutex
	heartbeat *uint64Counter
	tp        crypto.TimeProvider
	onStalled func()

	lastSeen  uint64
	lastMoved time.Time
	reported  bool

	stop    chan struct{}
	stopped bool
}

// NewWatchdog constructs a Watchdog over sched's heartbeat counter. onStalled
// is invoked at most once per stall episode; it may be called concurrently
// with Stop if a stall is detected in the same instant Stop runs, so
// implementations should treat it as idempotent.
func NewWatchdog(sched *Scheduler, tp crypto.TimeProvider, onStalled func()) *Watchdog {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	return &Watchdog{
		heartbeat: sched.Heartbeat(),
		tp:        tp,
		onStalled: onStalled,
		lastMoved: tp.Now(),
		stop:      make(chan struct{}),
	}
}

// Run polls the heartbeat counter until Stop is called, checking roughly
// once per WatchdogStallThreshold/6 so a stall is detected with bounded
// slack past the threshold. Intended to run in its own goroutine.
func (w *Watchdog) Run() {
	interval := limits.WatchdogStallThreshold / 6
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logrus.WithFields(logrus.Fields{"package": "scheduler", "component": "watchdog"})
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.check(log)
		}
	}
}

func (w *Watchdog) check(log *logrus.Entry) {
	current := w.heartbeat.Load()

	w.mu.Lock()
	if current != w.lastSeen {
		w.lastSeen = current
		w.lastMoved = w.tp.Now()
		w.reported = false
		w.mu.Unlock()
		return
	}
	stalled := !w.reported && w.tp.Since(w.lastMoved) > limits.WatchdogStallThreshold
	if stalled {
		w.reported = true
	}
	w.mu.Unlock()

	if stalled {
		log.Error("sender heartbeat stalled past threshold, invoking fatal hook")
		if w.onStalled != nil {
			w.onStalled()
		}
	}
}

// Stop halts the watchdog's polling loop. Safe to call once.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.stop)
}
