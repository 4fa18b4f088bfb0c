// Package probe answers "is this service healthy right now" for supervised
// services. Every probe is bounded by a timeout and safe for concurrent use.
package probe

import (
	"context"
	"time"
)

// DefaultTimeout bounds a single probe when none is configured.
const DefaultTimeout = 3 * time.Second

// Probe is a health check strategy.
type Probe interface {
	// Alive reports whether the service is healthy. An error means the probe
	// itself could not run; callers treat it as unhealthy.
	Alive(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the check.
	Describe() string
}

// Func adapts a function to Probe.
type Func struct {
	Name string
	Fn   func(ctx context.Context) (bool, error)
}

func (f Func) Alive(ctx context.Context) (bool, error) { return f.Fn(ctx) }
func (f Func) Describe() string                        { return "func:" + f.Name }

// Static always answers the same. Handy for tests and for disabled checks.
type Static bool

func (s Static) Alive(context.Context) (bool, error) { return bool(s), nil }
func (s Static) Describe() string {
	if s {
		return "static:healthy"
	}
	return "static:unhealthy"
}

// Check runs p under its timeout and folds errors into an unhealthy result
// with a detail string.
func Check(ctx context.Context, p Probe, timeout time.Duration) (bool, string) {
	if p == nil {
		return false, "no probe"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := p.Alive(cctx)
	if err != nil {
		return false, p.Describe() + ": " + err.Error()
	}
	return ok, p.Describe()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
