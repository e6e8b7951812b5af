package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestShutdown_WaitsForTasksToReturn(t *testing.T) {
	t.Parallel()

	sup := New(context.Background(), zerolog.Nop())
	var stopped atomic.Bool
	sup.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Store(true)
		return nil
	})

	sup.Shutdown(time.Second)

	if !stopped.Load() {
		t.Fatalf("expected task to observe cancellation before Shutdown returned")
	}
}

func TestShutdown_AbandonsSlowTasksAtDeadline(t *testing.T) {
	t.Parallel()

	sup := New(context.Background(), zerolog.Nop())
	sup.Go("stuck", func(ctx context.Context) error {
		<-time.After(time.Hour)
		return nil
	})

	start := time.Now()
	sup.Shutdown(50 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Shutdown took %v, expected to return near the 50ms deadline", elapsed)
	}
}

func TestTicker_CallsImmediatelyThenOnEachTick(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	_ = Ticker(ctx, 30*time.Millisecond, func(ctx context.Context) {
		calls.Add(1)
	})

	if calls.Load() < 2 {
		t.Fatalf("expected at least 2 calls, got %d", calls.Load())
	}
}
