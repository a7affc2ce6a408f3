package syncutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop calls a function on a fixed interval until its context ends or Stop
// is called. A panic in one tick is logged and the loop carries on.
type Loop struct {
	name     string
	interval time.Duration
	logger   *slog.Logger
	fn       func(context.Context)

	started  atomic.Bool
	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewLoop prepares a loop; nothing runs until Run.
func NewLoop(name string, interval time.Duration, logger *slog.Logger, fn func(context.Context)) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		name:     name,
		interval: interval,
		logger:   logger,
		fn:       fn,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks until ctx is done or Stop is called. Only the first call
// runs; later calls return immediately.
func (l *Loop) Run(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	defer close(l.done)
	l.running.Store(true)
	defer l.running.Store(false)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one iteration now, recovering a panic.
func (l *Loop) Tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in "+l.name, "panic", fmt.Sprint(r))
		}
	}()
	l.fn(ctx)
}

// Stop asks Run to return after the current tick. It never blocks and may
// be called any number of times.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Wait blocks until Run has returned. It returns at once if Run was
// never called.
func (l *Loop) Wait() {
	if l.started.Load() {
		<-l.done
	}
}

// Running reports whether Run is currently looping.
func (l *Loop) Running() bool {
	return l.running.Load()
}
