// ABOUTME: Producer-side typing debouncer that self-expires stale indicators
// ABOUTME: Emits true on the first keystroke of a burst and false after a quiet window

package typing

import (
	"sync"
	"time"
)

// DefaultQuietWindow is how long after the last keystroke a burst ends.
const DefaultQuietWindow = time.Second

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

// Debouncer turns a stream of keystrokes into typing on/off signals.
// emit is called with the debouncer's lock held, so signals are delivered
// in order; emit must not call back into the Debouncer.
type Debouncer struct {
	clock Clock
	quiet time.Duration
	emit  func(isTyping bool)

	mu     sync.Mutex
	active bool
	timer  Timer
	gen    uint64
}

// NewDebouncer creates a Debouncer. A zero quiet window uses
// DefaultQuietWindow and a nil clock uses RealClock.
func NewDebouncer(quiet time.Duration, clock Clock, emit func(isTyping bool)) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietWindow
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Debouncer{clock: clock, quiet: quiet, emit: emit}
}

// Keystroke records input activity.
func (d *Debouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		d.active = true
		d.emit(true)
	}
	d.rearmLocked()
}

// Stop ends the current burst immediately, typically because the message
// was sent.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelLocked()
	if d.active {
		d.active = false
		d.emit(false)
	}
}

// Active reports whether a burst is in progress.
func (d *Debouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Debouncer) rearmLocked() {
	d.cancelLocked()
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.quiet, func() { d.expire(gen) })
}

func (d *Debouncer) cancelLocked() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// A stale timer that lost the race with Stop or a later keystroke.
	if gen != d.gen || !d.active {
		return
	}
	d.active = false
	d.timer = nil
	d.emit(false)
}
