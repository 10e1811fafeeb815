package usecase

import (
	"context"
	"sync"
	"time"

	"marketplace-purchase-saga/internal/domain/ports/adapter"
)

var _ adapter.Debouncer = (*MemoryDebouncer)(nil)

// MemoryDebouncer is the process-local resume debouncer.
type MemoryDebouncer struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDebouncer() *MemoryDebouncer {
	return &MemoryDebouncer{seen: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDebouncer) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[key]; ok && now.Sub(last) < window {
		return false, nil
	}
	d.seen[key] = now
	if len(d.seen) > 1024 {
		for k, t := range d.seen {
			if now.Sub(t) >= window {
				delete(d.seen, k)
			}
		}
	}
	return true, nil
}
