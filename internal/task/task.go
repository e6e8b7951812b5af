// Package task supervises the long-running goroutines every other
// component spawns (connection monitors, control-plane persister,
// relay cleanup/stats loops, ...) through one registration point with
// a bounded shutdown deadline.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Supervisor tracks running tasks and coordinates their cancellation.
type Supervisor struct {
	logger zerolog.Logger
	mu     sync.Mutex
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
	names  map[string]bool
}

// New creates a Supervisor whose tasks are all cancelled when parent is
// done or Shutdown is called.
func New(parent context.Context, logger zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{logger: logger, ctx: ctx, cancel: cancel, names: make(map[string]bool)}
}

// Go registers and starts fn under the given name. fn must return when
// its context is cancelled.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.names[name] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			s.logger.Error().Str("task", name).Err(err).Msg("task exited with error")
		}
	}()
}

// Shutdown cancels every registered task and waits up to deadline for
// them to return, logging (and abandoning) any that don't.
func (s *Supervisor) Shutdown(deadline time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		s.mu.Lock()
		names := make([]string, 0, len(s.names))
		for n := range s.names {
			names = append(names, n)
		}
		s.mu.Unlock()
		s.logger.Warn().Strs("tasks", names).Dur("deadline", deadline).Msg("shutdown deadline exceeded, abandoning remaining tasks")
	}
}

// Ticker runs fn on every tick of interval until ctx is cancelled,
// calling fn once immediately first. It is the shared shape behind
// every periodic task in the mesh (monitor, persister, cleanup, stats).
func Ticker(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) error {
	fn(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}
