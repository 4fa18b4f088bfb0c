package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Loop is a periodic task run inside the supervisor process. A failing or
// panicking tick is logged and the loop carries on.
type Loop struct {
	Name     string
	Interval time.Duration
	Tick     func(ctx context.Context) error
	Logger   *slog.Logger

	running atomic.Bool
	ticks   atomic.Int64
}

// Run blocks until ctx is cancelled. The first tick runs immediately.
func (l *Loop) Run(ctx context.Context) {
	if l.Interval <= 0 {
		l.Interval = 30 * time.Second
	}
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	l.running.Store(true)
	defer l.running.Store(false)

	t := time.NewTicker(l.Interval)
	defer t.Stop()
	for {
		if err := l.safeTick(ctx); err != nil && ctx.Err() == nil {
			log.Warn("loop tick failed", "loop", l.Name, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (l *Loop) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	l.ticks.Add(1)
	if l.Tick == nil {
		return nil
	}
	return l.Tick(ctx)
}

// Running reports whether Run is active.
func (l *Loop) Running() bool { return l.running.Load() }

// Ticks counts completed and failed ticks since creation.
func (l *Loop) Ticks() int64 { return l.ticks.Load() }
