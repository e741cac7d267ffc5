package mural

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Scheduler runs work on the single goroutine that owns world mutation.
type Scheduler interface {
	// RunOnTick queues fn for the next tick.
	RunOnTick(fn func())
	// RunLater queues fn for the first tick after d has elapsed.
	RunLater(d time.Duration, fn func())
}

// ErrLoopStopped is returned by Do when the loop is no longer running.
var ErrLoopStopped = errors.New("tick loop stopped")

// TickLoop batches queued tasks and runs them in order once per tick.
type TickLoop struct {
	interval time.Duration

	mu      sync.Mutex
	pending []func()
	timers  map[*time.Timer]struct{}
	stopped bool
	done    chan struct{}
}

// NewTickLoop creates a loop ticking every interval.
func NewTickLoop(interval time.Duration) *TickLoop {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &TickLoop{
		interval: interval,
		timers:   make(map[*time.Timer]struct{}),
		done:     make(chan struct{}),
	}
}

func (l *TickLoop) RunOnTick(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.pending = append(l.pending, fn)
}

func (l *TickLoop) RunLater(d time.Duration, fn func()) {
	if d <= 0 {
		l.RunOnTick(fn)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.RunOnTick(fn)
	})
	l.timers[t] = struct{}{}
}

// Do runs fn on the loop and waits for it to finish.
func (l *TickLoop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.RunOnTick(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes ticks until ctx is cancelled. Tasks still queued when the
// loop stops are dropped and pending timers are cancelled.
func (l *TickLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	defer l.stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.step()
		}
	}
}

func (l *TickLoop) step() {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range batch {
		fn()
	}
}

func (l *TickLoop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.pending = nil
	for t := range l.timers {
		t.Stop()
	}
	clear(l.timers)
	close(l.done)
}
