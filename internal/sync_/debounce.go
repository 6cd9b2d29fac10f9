package sync_

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of activity per key: the first Touch for a key opens a window, further Touch calls
// inside that window are absorbed, and fire is called once with the key when the window closes. Callers keep the
// latest value themselves and read it from fire, so the latest value always wins.
type Debouncer[K comparable] struct {
	interval time.Duration
	fire     func(K)

	mu     sync.Mutex
	timers map[K]*time.Timer
}

func NewDebouncer[K comparable](interval time.Duration, fire func(K)) *Debouncer[K] {
	return &Debouncer[K]{
		interval: interval,
		fire:     fire,
		timers:   make(map[K]*time.Timer),
	}
}

// Touch opens a window for key unless one is already open. Returns true if a new window was opened.
func (d *Debouncer[K]) Touch(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.timers[key]; ok {
		return false
	}
	var timer *time.Timer
	timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		if d.timers[key] != timer {
			// Stopped (and possibly reopened) while this callback was waiting for the lock
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()
		d.fire(key)
	})
	d.timers[key] = timer
	return true
}

// Pending returns true if a window is open for key.
func (d *Debouncer[K]) Pending(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[key]
	return ok
}

// Stop closes the window for key without firing. Returns true if a window was open, in which case the caller is
// responsible for flushing whatever the window was holding back.
func (d *Debouncer[K]) Stop(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	timer, ok := d.timers[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(d.timers, key)
	return true
}

// StopAll closes every open window without firing.
func (d *Debouncer[K]) StopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
}
