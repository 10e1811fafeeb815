package redis

import (
	"context"
	"fmt"
	"time"

	"marketplace-purchase-saga/internal/domain/ports/adapter"
)

var _ adapter.Debouncer = (*Debouncer)(nil)

// Debouncer shares the resume debounce window between all hosts using the same Redis.
type Debouncer struct {
	client *Client
	prefix string
}

func NewDebouncer(client *Client, prefix string) *Debouncer {
	if prefix == "" {
		prefix = "saga"
	}
	return &Debouncer{client: client, prefix: prefix}
}

// Allow lets the first event per key through and drops the rest until window elapses.
func (d *Debouncer) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	return d.client.SetNX(ctx, ResumeKey(d.prefix, key), 1, window)
}

func ResumeKey(prefix, key string) string {
	return fmt.Sprintf("%s:resume:%s", prefix, key)
}
