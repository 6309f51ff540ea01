package persist

import (
	"context"
	"errors"
	"testing"
	"time"
)

var quickBackoff = backoff{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := retry(context.Background(), quickBackoff, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	refused := errors.New("connection refused")
	calls := 0
	err := retry(context.Background(), quickBackoff, func(context.Context) error {
		calls++
		return refused
	})
	if !errors.Is(err, refused) {
		t.Errorf("retry() error = %v, want wrapped %v", err, refused)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := backoff{Attempts: 5, Initial: time.Hour, Max: time.Hour, Factor: 1}
	calls := 0
	err := retry(ctx, slow, func(context.Context) error {
		calls++
		cancel()
		return errors.New("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("retry() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestOpen_MalformedPostgresDSN(t *testing.T) {
	start := time.Now()
	if _, _, err := Open(context.Background(), "postgres", "", "postgres://%zz"); err == nil {
		t.Fatal("Open() error = nil, want a dsn error")
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Open() took %v; a malformed dsn should not be retried", d)
	}
}
