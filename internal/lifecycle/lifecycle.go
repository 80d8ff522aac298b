// Package lifecycle defines the uniform start/stop contract shared by every
// engine component and a base implementation for the two component shapes:
// always-on (owns a background goroutine) and reactive (subscribes only).
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
)

// Health reports a component's liveness for the control surface.
type Health struct {
	Running      bool
	LastActivity time.Time
	ErrorCount   uint64
}

// Component is the uniform lifecycle contract. Start and Stop must be
// idempotent and survive cancellation.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() Health
}

// Base carries the bookkeeping both component shapes share. Embed it and call
// MarkActivity / CountError from the component's own loop or handlers.
type Base struct {
	name string

	running    atomic.Bool
	errorCount atomic.Uint64

	mu           sync.Mutex
	lastActivity time.Time
}

// NewBase names a lifecycle base.
func NewBase(name string) Base {
	return Base{name: name}
}

// Name returns the component name.
func (b *Base) Name() string { return b.name }

// Health returns the current liveness view.
func (b *Base) Health() Health {
	b.mu.Lock()
	last := b.lastActivity
	b.mu.Unlock()
	return Health{
		Running:      b.running.Load(),
		LastActivity: last,
		ErrorCount:   b.errorCount.Load(),
	}
}

// MarkActivity records that the component made progress.
func (b *Base) MarkActivity() {
	b.mu.Lock()
	b.lastActivity = time.Now().UTC()
	b.mu.Unlock()
}

// CountError increments the component error counter.
func (b *Base) CountError() { b.errorCount.Add(1) }

// TransitionStart flips the running flag; it reports false when the component
// was already running, making Start idempotent.
func (b *Base) TransitionStart() bool { return b.running.CompareAndSwap(false, true) }

// TransitionStop flips the running flag back; it reports false when the
// component was already stopped.
func (b *Base) TransitionStop() bool { return b.running.CompareAndSwap(true, false) }

// Runner owns the background goroutine of an always-on component.
type Runner struct {
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Launch starts loop under a derived context. The loop is expected to return
// promptly once its context is cancelled.
func (r *Runner) Launch(ctx context.Context, loop func(context.Context)) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Go(func() { loop(runCtx) })
}

// Join cancels the loop and waits for it, bounded by ctx.
func (r *Runner) Join(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
