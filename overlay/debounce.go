package overlay

import (
	"sync"
	"time"
)

// debounceConfig controls how sync requests are coalesced.
type debounceConfig struct {
	// Window is the quiet time before a flush. Default: 100ms.
	Window time.Duration
	// MaxPending flushes immediately when this many requests accumulate.
	// Default: 50.
	MaxPending int
}

func (dc *debounceConfig) defaults() {
	if dc.Window <= 0 {
		dc.Window = 100 * time.Millisecond
	}
	if dc.MaxPending <= 0 {
		dc.MaxPending = 50
	}
}

// debouncer collects requests and calls flushFn once the window expires or
// too many requests pile up.
type debouncer struct {
	cfg     debounceConfig
	flushFn func()

	mu      sync.Mutex
	pending int
	timer   *time.Timer
	stopped bool
}

func newDebouncer(cfg debounceConfig, flushFn func()) *debouncer {
	cfg.defaults()
	return &debouncer{cfg: cfg, flushFn: flushFn}
}

// add records a request. Returns true if an immediate flush was triggered.
func (d *debouncer) add() bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.pending++
	if d.pending >= d.cfg.MaxPending {
		d.resetLocked()
		d.mu.Unlock()
		d.flushFn()
		return true
	}

	// (Re)start the window timer.
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.cfg.Window, d.fire)
	d.mu.Unlock()
	return false
}

func (d *debouncer) fire() {
	d.mu.Lock()
	if d.stopped || d.pending == 0 {
		d.mu.Unlock()
		return
	}
	d.resetLocked()
	d.mu.Unlock()
	d.flushFn()
}

func (d *debouncer) resetLocked() {
	d.pending = 0
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// stop drops pending requests; later adds are ignored.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.resetLocked()
}
