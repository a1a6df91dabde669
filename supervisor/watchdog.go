package supervisor

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Watchdog is a cancellable one-shot idle timer. It calls its expire func once the timeout
// elapses without a Reset.
//
// A timer that was superseded by Reset or stopped by Cancel may already be running its
// callback by the time Stop is called on it, so every armed timer carries a generation and
// only the current generation may fire.
type Watchdog struct {
	clock   clockwork.Clock
	timeout time.Duration
	expire  func()

	mu      sync.Mutex
	timer   clockwork.Timer
	gen     uint64
	stopped bool
}

func NewWatchdog(clock clockwork.Clock, timeout time.Duration, expire func()) *Watchdog {
	return &Watchdog{
		clock:   clock,
		timeout: timeout,
		expire:  expire,
	}
}

// Arm starts the timer. Arming an armed watchdog restarts it.
func (w *Watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.armLocked()
}

// Reset restarts the timer with the full timeout. It returns false if the watchdog was
// already cancelled or fired.
func (w *Watchdog) Reset() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.armLocked()
	return true
}

// Cancel stops the watchdog for good. It is safe to call more than once.
func (w *Watchdog) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) armLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.timeout, func() { w.fire(gen) })
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if w.stopped || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.timer = nil
	w.mu.Unlock()
	w.expire()
}
