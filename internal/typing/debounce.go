package typing

import "time"

// Debouncer rate-limits the local outbound typing intent: one emit per
// idle-then-active transition rather than one per keystroke. Like Table it is
// owned by a single loop; the idle timer reports back through the fire
// callback with a generation, and the owner calls Idle with it.
type Debouncer struct {
	idle time.Duration
	fire func(gen int)

	active bool
	gen    int
	timer  *time.Timer
}

func NewDebouncer(idle time.Duration, fire func(gen int)) *Debouncer {
	return &Debouncer{idle: idle, fire: fire}
}

// Touch records local typing activity. It returns true when an intent should
// be emitted now (first activity after an idle period); further touches only
// push the idle deadline out.
func (d *Debouncer) Touch() bool {
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.idle, func() {
		d.fire(gen)
	})

	if d.active {
		return false
	}
	d.active = true
	return true
}

// Idle clears the active flag if gen is the current generation. A stale fire
// (superseded by a later Touch) is dropped.
func (d *Debouncer) Idle(gen int) {
	if gen != d.gen {
		return
	}
	d.active = false
}

// Stop cancels the pending idle timer, if any.
func (d *Debouncer) Stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.active = false
}
