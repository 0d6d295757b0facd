package engine

import (
	"sync"
	"time"
)

// Debouncer runs fire once the schedule has been quiet for window. Each Schedule
// replaces the pending run, so at most one run is outstanding.
type Debouncer struct {
	window time.Duration
	fire   func()

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	stopped    bool
}

// NewDebouncer constructs a Debouncer. A non-positive window fires on the next tick.
func NewDebouncer(window time.Duration, fire func()) *Debouncer {
	if window < 0 {
		window = 0
	}
	return &Debouncer{window: window, fire: fire}
}

// Schedule (re)starts the quiescence window.
func (d *Debouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.generation++
	generation := d.generation
	d.timer = time.AfterFunc(d.window, func() { d.run(generation) })
}

// Cancel drops the pending run and reports whether one was outstanding.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

// Flush runs the pending run immediately, if any. It reports whether fire ran.
func (d *Debouncer) Flush() bool {
	if !d.Cancel() {
		return false
	}
	d.fire()
	return true
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels the pending run and ignores future schedules.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.stopped = true
}

func (d *Debouncer) cancelLocked() bool {
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.generation++
	return true
}

func (d *Debouncer) run(generation uint64) {
	d.mu.Lock()
	if generation != d.generation || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.fire()
}
