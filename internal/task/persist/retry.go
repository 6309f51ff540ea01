package persist

import (
	"context"
	"fmt"
	"time"
)

// backoff controls how often opening a remote storage backend is retried.
type backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Factor   float64
}

// connectBackoff gives a database that starts alongside the daemon about
// ten seconds to accept connections.
var connectBackoff = backoff{
	Attempts: 6,
	Initial:  250 * time.Millisecond,
	Max:      4 * time.Second,
	Factor:   2,
}

// retry calls fn until it succeeds, the attempts run out or ctx is done.
func retry(ctx context.Context, b backoff, fn func(ctx context.Context) error) error {
	attempts := max(b.Attempts, 1)
	delay := b.Initial

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(time.Duration(float64(delay)*b.Factor), b.Max)
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
