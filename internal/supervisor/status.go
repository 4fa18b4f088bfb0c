package supervisor

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/shepherd/internal/metrics"
	"github.com/loykin/shepherd/internal/probe"
	"github.com/loykin/shepherd/internal/proc"
	"github.com/loykin/shepherd/internal/service"
)

type ServiceStatus struct {
	Name            string       `json:"name"`
	Kind            service.Kind `json:"kind"`
	Healthy         bool         `json:"healthy"`
	Detail          string       `json:"detail,omitempty"`
	PID             int          `json:"pid,omitempty"`
	Launched        bool         `json:"launched"`
	RestartCount    int          `json:"restart_count"`
	LastRestartAt   time.Time    `json:"last_restart_at,omitzero"`
	LastActor       string       `json:"last_actor,omitempty"`
	LastError       string       `json:"last_error,omitempty"`
	BudgetExhausted bool         `json:"budget_exhausted"`
}

type Status struct {
	Running    bool            `json:"running"`
	PID        int             `json:"pid,omitempty"`
	InstanceID string          `json:"instance_id,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	Mode       string          `json:"mode"`
	Services   []ServiceStatus `json:"services"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// Status probes every service directly and combines the result with the
// persisted supervisor state and restart counters. It works from any process,
// whether or not it runs the supervisor. Concurrent callers share one round
// of probes.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	v, err, _ := s.sf.Do("status", func() (any, error) {
		return s.status(ctx)
	})
	if err != nil {
		return Status{}, err
	}
	return v.(Status), nil
}

func (s *Supervisor) status(ctx context.Context) (Status, error) {
	holder, err := s.store.Holder(SingletonName)
	if err != nil {
		return Status{}, err
	}
	ps, err := LoadProcessState(ctx, s.store)
	if err != nil {
		return Status{}, err
	}
	out := Status{
		Running:   holder > 0,
		PID:       holder,
		Mode:      string(s.cfg.Mode),
		CheckedAt: time.Now().UTC(),
		Services:  make([]ServiceStatus, len(s.cfg.Services)),
	}
	// the document may be left over from an instance that died
	if out.Running && ps.PID == holder {
		out.InstanceID = ps.InstanceID
		out.StartedAt = ps.StartedAt
		if ps.Mode != "" {
			out.Mode = ps.Mode
		}
	}
	live := out.Running && ps.PID == holder && ps.Status == "running"

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range s.cfg.Services {
		g.Go(func() error {
			ss := ServiceStatus{Name: d.Name, Kind: d.Kind, Launched: live && ps.Services[d.Name]}
			if d.Kind.IsProcess() {
				start := time.Now()
				ss.Healthy, ss.Detail = probe.Check(gctx, s.probes[d.Name], s.cfg.ProbeTimeout)
				metrics.ObserveProbe(d.Name, time.Since(start).Seconds())
				if pid := ps.PIDs[d.Name]; live && pid > 0 && proc.Alive(pid) {
					ss.PID = pid
				}
			} else {
				ss.Healthy = live && ps.Services[d.Name]
				if ss.Healthy {
					ss.Detail = "loop in supervisor pid " + strconv.Itoa(holder)
				} else {
					ss.Detail = "supervisor not running"
				}
			}
			metrics.SetHealthy(d.Name, ss.Healthy)

			c, err := s.tracker.Counter(gctx, d.Name)
			if err != nil {
				return err
			}
			ss.RestartCount = c.RestartCount
			ss.LastRestartAt = c.LastRestartAt
			ss.LastActor = c.LastActor
			ss.LastError = c.LastError
			ss.BudgetExhausted = s.tracker.Exhausted(c, time.Now())
			out.Services[i] = ss
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Status{}, err
	}
	return out, nil
}

// Healthy reports whether every service in st is healthy.
func (st Status) Healthy() bool {
	for _, s := range st.Services {
		if !s.Healthy {
			return false
		}
	}
	return true
}
