package memory

import (
	"context"
	"sync"
	"time"
)

// Deduper remembers processed delivery keys for a fixed window.
type Deduper struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

// NewDeduper constructs a deduper with the given window.
func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// HasProcessed reports whether key was marked within the window.
func (d *Deduper) HasProcessed(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[key]
	if !ok {
		return false, nil
	}
	if d.now().Sub(at) > d.window {
		delete(d.seen, key)
		return false, nil
	}
	return true, nil
}

// MarkProcessed records key and prunes expired entries.
func (d *Deduper) MarkProcessed(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.pruneLocked(now)
	d.seen[key] = now
	return nil
}

// PruneExpired drops keys older than the window.
func (d *Deduper) PruneExpired(context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pruneLocked(d.now()), nil
}

func (d *Deduper) pruneLocked(now time.Time) int64 {
	var removed int64
	for k, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, k)
			removed++
		}
	}
	return removed
}
