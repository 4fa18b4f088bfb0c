package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/shepherd/internal/history"
	"github.com/loykin/shepherd/internal/metrics"
	"github.com/loykin/shepherd/internal/probe"
	"github.com/loykin/shepherd/internal/statestore"
)

// ErrBudgetExhausted is returned when the policy refuses a restart.
var ErrBudgetExhausted = errors.New("restart budget exhausted")

// Outcome of one restart attempt.
type Outcome string

const (
	OutcomeLaunched  Outcome = "launched"
	OutcomeRecovered Outcome = "recovered"
	OutcomeRefused   Outcome = "refused"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Counter is the persisted restart counter of one service, document
// restart_<service>.
type Counter struct {
	Service       string    `json:"service"`
	RestartCount  int       `json:"restart_count"`
	LastRestartAt time.Time `json:"last_restart_at,omitzero"`
	LastActor     string    `json:"last_actor,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	Refused       bool      `json:"refused,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitzero"`
}

// Key returns the state document key holding the counter of service.
func Key(service string) string { return "restart_" + service }

// Launcher starts a service. It is only called after the delay has passed and
// a fresh probe still found the service unhealthy.
type Launcher func(ctx context.Context) error

type Tracker struct {
	store  *statestore.Store
	policy Policy
	actor  string
	sink   history.Sink
	log    *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	probeT time.Duration
}

type Option func(*Tracker)

func WithHistory(s history.Sink) Option { return func(t *Tracker) { t.sink = s } }
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithSleep replaces the backoff wait; tests use it to skip real delays.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Tracker) { t.sleep = f }
}
func WithProbeTimeout(d time.Duration) Option { return func(t *Tracker) { t.probeT = d } }

// NewTracker returns a tracker acting as actor ("supervisor" or "watchdog").
func NewTracker(store *statestore.Store, policy Policy, actor string, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		policy: policy.withDefaults(),
		actor:  actor,
		log:    slog.Default(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) Policy() Policy { return t.policy }
func (t *Tracker) Actor() string  { return t.actor }

// Attempt runs one restart cycle for service: the budget is consulted and the
// new counter persisted in one atomic update, then the tracker waits the
// backoff delay, re-probes and launches only if the service is still down.
// A refused attempt returns ErrBudgetExhausted without touching the count;
// an attempt that ends without launching gives its slot back.
func (t *Tracker) Attempt(ctx context.Context, service string, p probe.Probe, launch Launcher) (Outcome, error) {
	log := t.log.With("service", service, "actor", t.actor)

	var (
		dec         Decision
		wasRefused  bool
		prev        Counter
		attemptTime = t.now()
	)
	c, err := statestore.Update(ctx, t.store, Key(service), func(c *Counter) error {
		prev = *c
		wasRefused = c.Refused
		dec = t.policy.Decide(c.RestartCount, c.LastRestartAt, attemptTime)
		c.Service = service
		c.RestartCount = dec.Count
		if !dec.Allowed {
			c.Refused = true
			return nil
		}
		c.Refused = false
		c.LastRestartAt = attemptTime
		c.LastActor = t.actor
		return nil
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("update restart counter for %s: %w", service, err)
	}

	if !dec.Allowed {
		metrics.IncRestart(service, t.actor, string(OutcomeRefused))
		if !wasRefused {
			log.Warn("restart refused, budget exhausted", "restart_count", c.RestartCount, "max_attempts", t.policy.MaxAttempts, "cooldown", t.policy.Cooldown)
			history.Emit(ctx, t.sink, history.Event{Type: history.EventRestartRefused, Actor: t.actor, Subject: service,
				Detail: fmt.Sprintf("restart_count=%d", c.RestartCount)})
		} else {
			log.Debug("restart still refused", "restart_count", c.RestartCount)
		}
		return OutcomeRefused, ErrBudgetExhausted
	}
	if dec.Reset {
		log.Info("restart counter reset after cooldown")
	}
	log.Info("restarting service", "attempt", dec.Count, "delay", dec.Delay)

	if err := t.sleep(ctx, dec.Delay); err != nil {
		metrics.IncRestart(service, t.actor, string(OutcomeCancelled))
		t.refund(context.WithoutCancel(ctx), service, c, prev)
		return OutcomeCancelled, err
	}

	if p != nil {
		if ok, _ := probe.Check(ctx, p, t.probeT); ok {
			log.Info("service recovered during backoff, skipping launch")
			metrics.IncRestart(service, t.actor, string(OutcomeRecovered))
			t.refund(ctx, service, c, prev)
			return OutcomeRecovered, nil
		}
	}

	if err := launch(ctx); err != nil {
		log.Error("restart launch failed", "error", err)
		metrics.IncRestart(service, t.actor, string(OutcomeFailed))
		t.recordError(ctx, service, err)
		history.Emit(ctx, t.sink, history.Event{Type: history.EventServiceRestart, Actor: t.actor, Subject: service,
			Detail: "launch failed: " + err.Error()})
		return OutcomeFailed, err
	}
	metrics.IncRestart(service, t.actor, string(OutcomeLaunched))
	history.Emit(ctx, t.sink, history.Event{Type: history.EventServiceRestart, Actor: t.actor, Subject: service,
		Detail: fmt.Sprintf("attempt=%d", dec.Count)})
	return OutcomeLaunched, nil
}

// refund restores the counter to prev when an attempt ended without a
// launch. It only applies while the document still carries this attempt's
// stamp; once another actor has attempted since, the budget stays spent.
func (t *Tracker) refund(ctx context.Context, service string, stamped, prev Counter) {
	_, err := statestore.Update(ctx, t.store, Key(service), func(c *Counter) error {
		if c.RestartCount != stamped.RestartCount || !c.LastRestartAt.Equal(stamped.LastRestartAt) || c.LastActor != stamped.LastActor {
			return errStampChanged
		}
		c.RestartCount = prev.RestartCount
		c.LastRestartAt = prev.LastRestartAt
		c.LastActor = prev.LastActor
		return nil
	})
	if err != nil && !errors.Is(err, errStampChanged) {
		t.log.Warn("failed to return unused restart attempt", "service", service, "error", err)
	}
}

var errStampChanged = errors.New("restart counter changed by another attempt")

func (t *Tracker) recordError(ctx context.Context, service string, lerr error) {
	_, err := statestore.Update(ctx, t.store, Key(service), func(c *Counter) error {
		c.Service = service
		c.LastError = lerr.Error()
		return nil
	})
	if err != nil {
		t.log.Warn("failed to record restart error", "service", service, "error", err)
	}
}

// Counter returns the persisted counter of service.
func (t *Tracker) Counter(ctx context.Context, service string) (Counter, error) {
	var c Counter
	err := t.store.Load(ctx, Key(service), &c)
	if c.Service == "" {
		c.Service = service
	}
	return c, err
}

// Counters returns the counters of services, in order.
func (t *Tracker) Counters(ctx context.Context, services []string) ([]Counter, error) {
	out := make([]Counter, 0, len(services))
	for _, name := range services {
		c, err := t.Counter(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Exhausted reports whether the next attempt for c would be refused at now.
func (t *Tracker) Exhausted(c Counter, now time.Time) bool {
	return !t.policy.Decide(c.RestartCount, c.LastRestartAt, now).Allowed
}

// Reset clears the counter of service. Operator action.
func (t *Tracker) Reset(ctx context.Context, service string) error {
	_, err := statestore.Update(ctx, t.store, Key(service), func(c *Counter) error {
		*c = Counter{Service: service}
		return nil
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}
