package client

import (
	"sync"
	"time"
)

// Debouncer runs a function once after a quiet period. Triggering again
// restarts the period, and a callback whose timer was replaced or cancelled
// never runs, even if its timer had already fired.
type Debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Trigger schedules fn after delay, replacing any pending call.
func (d *Debouncer) Trigger(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		current := d.gen == gen
		if current {
			d.timer = nil
		}
		d.mu.Unlock()

		if current {
			fn()
		}
	})
}

// Cancel drops the pending call and reports whether there was one.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	return true
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
