// Package debounce implements the last-writer-wins coalescing timer used
// by the discovery driver (§4.6, §9): "a single struct holding pending plus
// a timer."
package debounce

import (
	"sync"
	"time"
)

// Debouncer calls fire with the most recently staged value once period has
// elapsed since the first Stage call of a window. Cancellation of the pending
// timer isn't supported (§5): a Stage call after the timer has already
// started only overwrites the staged value, it never resets the clock.
type Debouncer[T any] struct {
	period time.Duration
	fire   func(T)

	mu      sync.Mutex
	pending *T
	timer   *time.Timer
}

// New creates a Debouncer that calls fire with the most recently staged
// value, period after the first Stage call in a quiet window.
func New[T any](period time.Duration, fire func(T)) *Debouncer[T] {
	return &Debouncer[T]{period: period, fire: fire}
}

// Stage records value as the pending input. If no timer is currently
// running, one is started; if one is already running, value overwrites
// whatever was previously staged and the timer is left alone.
func (d *Debouncer[T]) Stage(value T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := value
	d.pending = &v

	if d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(d.period, d.fireNow)
}

func (d *Debouncer[T]) fireNow() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	if pending != nil {
		d.fire(*pending)
	}
}
