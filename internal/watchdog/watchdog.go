// Package watchdog provides a rearmable single-shot timer.
package watchdog

import (
	"sync"
	"time"
)

// Watchdog calls onFire once if it is not re-armed or disarmed within the
// interval. Each Arm starts a new cycle; a cycle fires at most once.
type Watchdog struct {
	mu       sync.Mutex
	interval time.Duration
	onFire   func()
	timer    *time.Timer
	gen      uint64
	armed    bool
}

// New creates a disarmed watchdog.
func New(interval time.Duration, onFire func()) *Watchdog {
	return &Watchdog{interval: interval, onFire: onFire}
}

// Arm cancels any pending cycle and starts a new one.
func (w *Watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	w.gen++
	gen := w.gen
	w.armed = true
	w.timer = time.AfterFunc(w.interval, func() { w.fire(gen) })
}

// Disarm cancels the pending cycle, if any.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	w.gen++
	w.armed = false
}

// Armed reports whether a cycle is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

// Interval returns the configured interval.
func (w *Watchdog) Interval() time.Duration {
	return w.interval
}

func (w *Watchdog) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	// A timer whose Stop lost the race still runs; its generation is stale.
	if gen != w.gen || !w.armed {
		w.mu.Unlock()
		return
	}
	w.armed = false
	w.timer = nil
	w.mu.Unlock()

	if w.onFire != nil {
		w.onFire()
	}
}
