package monitor

import (
	"context"
	"sync"
	"time"
)

// Debouncer coalesces bursts of events per key: only the last schedule within the delay runs.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*debounceEntry
	wg      sync.WaitGroup
}

type debounceEntry struct {
	cancel context.CancelFunc
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, pending: make(map[string]*debounceEntry)}
}

// Schedule runs fn after the delay unless key is scheduled again first.
// fn receives a context cancelled when ctx ends or CancelAll is called.
func (d *Debouncer) Schedule(ctx context.Context, key string, fn func(ctx context.Context)) {
	entryCtx, cancel := context.WithCancel(ctx)
	entry := &debounceEntry{cancel: cancel}

	d.mu.Lock()
	if prev, ok := d.pending[key]; ok {
		prev.cancel()
	}
	d.pending[key] = entry
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer cancel()

		timer := time.NewTimer(d.delay)
		defer timer.Stop()

		select {
		case <-entryCtx.Done():
			d.release(key, entry)
			return
		case <-timer.C:
		}

		if !d.release(key, entry) {
			return
		}
		fn(entryCtx)
	}()
}

// release removes entry if it is still current for key and reports whether it was.
func (d *Debouncer) release(key string, entry *debounceEntry) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[key] != entry {
		return false
	}
	delete(d.pending, key)
	return true
}

// Pending returns the number of delays not yet fired.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// CancelAll drops every pending delay.
func (d *Debouncer) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, e := range d.pending {
		e.cancel()
		delete(d.pending, key)
	}
}

// Wait blocks until every scheduled goroutine has returned.
func (d *Debouncer) Wait() {
	d.wg.Wait()
}
