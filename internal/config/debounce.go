package config

import (
	"slices"
	"sync"
	"time"
)

// Debouncer groups rapid successive changes into a single callback after
// a quiet period. The callback receives every path added since the last
// call, sorted.
//
// Thread-safety: All methods are safe for concurrent use. The callback is
// never called concurrently with itself from the debouncer.
type Debouncer struct {
	mu       sync.Mutex
	delay    time.Duration
	timer    *time.Timer
	paths    map[string]struct{}
	seq      uint64 // sequence number to detect stale callbacks
	running  sync.Mutex
	callback func(paths []string)
}

// NewDebouncer creates a new debouncer with the specified delay.
func NewDebouncer(delay time.Duration, callback func(paths []string)) *Debouncer {
	return &Debouncer{
		delay:    delay,
		paths:    make(map[string]struct{}),
		callback: callback,
	}
}

// Add records a changed path and restarts the quiet period.
func (d *Debouncer) Add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.paths[path] = struct{}{}
	d.seq++
	currentSeq := d.seq

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.seq != currentSeq || len(d.paths) == 0 {
			d.mu.Unlock()
			return
		}
		paths := d.drainLocked()
		d.mu.Unlock()
		d.fire(paths)
	})
}

// Flush runs the callback immediately if changes are pending.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	// Increment seq to invalidate any running timer callback
	d.seq++
	paths := d.drainLocked()
	d.mu.Unlock()

	if len(paths) > 0 {
		d.fire(paths)
	}
}

// Cancel discards pending changes.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	clear(d.paths)
}

// IsPending returns true if changes are waiting for the quiet period.
func (d *Debouncer) IsPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.paths) > 0
}

func (d *Debouncer) drainLocked() []string {
	if len(d.paths) == 0 {
		return nil
	}
	paths := make([]string, 0, len(d.paths))
	for p := range d.paths {
		paths = append(paths, p)
	}
	clear(d.paths)
	slices.Sort(paths)
	return paths
}

func (d *Debouncer) fire(paths []string) {
	if d.callback == nil {
		return
	}
	d.running.Lock()
	defer d.running.Unlock()
	d.callback(paths)
}
