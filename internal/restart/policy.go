// Package restart holds the restart budget shared by the supervisor and the
// watchdog: a pure decision function plus a tracker that persists per-service
// counters in the state store.
package restart

import "time"

// Defaults of the restart budget.
const (
	DefaultMaxAttempts = 5
	DefaultCooldown    = 5 * time.Minute
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 60 * time.Second
)

// Policy bounds automatic restarts. At most MaxAttempts restarts are allowed
// until Cooldown has passed since the last one; attempt n waits
// BaseDelay*2^n, capped at MaxDelay.
type Policy struct {
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	Cooldown    time.Duration `json:"cooldown" mapstructure:"cooldown"`
	BaseDelay   time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" mapstructure:"max_delay"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Cooldown:    DefaultCooldown,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// withDefaults fills zero fields.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Decision is the outcome of Decide.
type Decision struct {
	Allowed bool
	// Count is the counter value to persist: count+1 when allowed, the
	// (possibly reset) current count when refused.
	Count int
	Delay time.Duration
	// Reset is true when the cooldown elapsed and the counter restarted at 0.
	Reset bool
}

// Decide applies the policy to a counter. last is the time of the previous
// restart (zero when there never was one).
func (p Policy) Decide(count int, last, now time.Time) Decision {
	p = p.withDefaults()
	var d Decision
	if count > 0 && (last.IsZero() || now.Sub(last) >= p.Cooldown) {
		count = 0
		d.Reset = true
	}
	if count < 0 {
		count = 0
	}
	if count >= p.MaxAttempts {
		d.Count = count
		return d
	}
	d.Allowed = true
	d.Count = count + 1
	d.Delay = p.Backoff(count)
	return d
}

// Backoff returns BaseDelay*2^n capped at MaxDelay.
func (p Policy) Backoff(n int) time.Duration {
	p = p.withDefaults()
	delay := p.BaseDelay
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
