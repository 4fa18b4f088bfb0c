package watchdog

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loykin/shepherd/internal/history"
	"github.com/loykin/shepherd/internal/probe"
	"github.com/loykin/shepherd/internal/restart"
	"github.com/loykin/shepherd/internal/service"
	"github.com/loykin/shepherd/internal/statestore"
	"github.com/loykin/shepherd/internal/supervisor"
)

var fastPolicy = restart.Policy{MaxAttempts: 5, Cooldown: time.Minute, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newWatchdog(t *testing.T, services []service.Descriptor, probes map[string]probe.Probe) (*Watchdog, *statestore.Store, *history.MemorySink) {
	t.Helper()
	st, err := statestore.Open(t.TempDir())
	require.NoError(t, err)
	sink := &history.MemorySink{}
	tr := restart.NewTracker(st, fastPolicy, Actor, restart.WithHistory(sink))
	w, err := New(Config{Services: services, Interval: 50 * time.Millisecond},
		Deps{Store: st, Tracker: tr, History: sink, Probes: probes})
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, p := range w.Launched() {
			_ = p.Stop(time.Second)
		}
	})
	return w, st, sink
}

func TestCheckHealthyServiceIsLeftAlone(t *testing.T) {
	svc := service.Descriptor{Name: service.Runner, Kind: service.KindExternalProcess, Command: "sleep 30"}
	w, st, _ := newWatchdog(t, []service.Descriptor{svc}, map[string]probe.Probe{service.Runner: probe.Static(true)})

	res, err := w.Check(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, res[0].Healthy)
	assert.Empty(t, res[0].Outcome)
	assert.Empty(t, w.Launched())

	var c restart.Counter
	require.NoError(t, st.Load(context.Background(), restart.Key(service.Runner), &c))
	assert.Zero(t, c.RestartCount)
}

func TestCheckRelaunchesDetached(t *testing.T) {
	svc := service.Descriptor{Name: service.Runner, Kind: service.KindExternalProcess, Command: "sleep 30"}
	w, st, sink := newWatchdog(t, []service.Descriptor{svc}, map[string]probe.Probe{service.Runner: probe.Static(false)})
	ctx := context.Background()

	res, err := w.Check(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.False(t, res[0].Healthy)
	assert.Equal(t, restart.OutcomeLaunched, res[0].Outcome)

	p := w.Launched()[service.Runner]
	require.NotNil(t, p)
	assert.True(t, p.Alive())

	var c restart.Counter
	require.NoError(t, st.Load(ctx, restart.Key(service.Runner), &c))
	assert.Equal(t, 1, c.RestartCount)
	assert.Equal(t, Actor, c.LastActor)
	assert.Equal(t, 1, sink.Count(history.EventServiceRestart))

	s, running, err := LoadState(ctx, st)
	require.NoError(t, err)
	assert.False(t, running)
	assert.False(t, s.LastCheckAt.IsZero())
	assert.Equal(t, string(restart.OutcomeLaunched), s.Services[service.Runner].Outcome)
}

func TestCheckSkipsInProcessLoops(t *testing.T) {
	loop := service.Descriptor{Name: service.WorkflowMonitor, Kind: service.KindInProcessLoop}
	w, _, _ := newWatchdog(t, []service.Descriptor{loop}, nil)
	res, err := w.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestCheckRespectsSharedBudget(t *testing.T) {
	svc := service.Descriptor{Name: "crasher", Kind: service.KindExternalProcess, Command: "true"}
	w, st, sink := newWatchdog(t, []service.Descriptor{svc}, map[string]probe.Probe{"crasher": probe.Static(false)})
	ctx := context.Background()

	// the supervisor already spent four attempts
	sup := restart.NewTracker(st, fastPolicy, supervisor.Actor)
	for i := 0; i < 4; i++ {
		_, err := sup.Attempt(ctx, "crasher", nil, func(context.Context) error { return nil })
		require.NoError(t, err)
	}

	res, err := w.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, restart.OutcomeLaunched, res[0].Outcome)

	res, err = w.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, restart.OutcomeRefused, res[0].Outcome)
	assert.True(t, errors.Is(res[0].Err, restart.ErrBudgetExhausted))

	var c restart.Counter
	require.NoError(t, st.Load(ctx, restart.Key("crasher"), &c))
	assert.Equal(t, 5, c.RestartCount)
	assert.True(t, c.Refused)
	assert.Equal(t, 1, sink.Count(history.EventRestartRefused))
}

func TestRunLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	svc := service.Descriptor{Name: service.Dashboard, Kind: service.KindHTTPProcess, Command: "sleep 30", HealthURL: "http://127.0.0.1:1/health"}
	w, st, _ := newWatchdog(t, []service.Descriptor{svc}, map[string]probe.Probe{service.Dashboard: probe.Static(true)})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		s, running, _ := LoadState(context.Background(), st)
		return running && !s.LastCheckAt.IsZero()
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not stop")
	}
	s, running, err := LoadState(context.Background(), st)
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, "stopped", s.Status)
	assert.True(t, s.Services[service.Dashboard].Healthy)
}

func TestRunRefusedWhenHeld(t *testing.T) {
	w, st, _ := newWatchdog(t, nil, nil)
	other := exec.Command("sleep", "30")
	require.NoError(t, other.Start())
	t.Cleanup(func() {
		_ = other.Process.Kill()
		_ = other.Wait()
	})
	marker := filepath.Join(st.Dir(), SingletonName+".pid")
	require.NoError(t, os.WriteFile(marker, []byte(strconv.Itoa(other.Process.Pid)+"\n"), 0o600))

	err := w.Run(context.Background())
	assert.ErrorIs(t, err, supervisor.ErrSingletonHeld)
}

func TestSecondWatchdogInSameProcessRefused(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w, st, _ := newWatchdog(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, running, _ := LoadState(context.Background(), st)
		return running
	}, 5*time.Second, 20*time.Millisecond)

	tr := restart.NewTracker(st, fastPolicy, Actor)
	second, err := New(Config{Interval: 50 * time.Millisecond}, Deps{Store: st, Tracker: tr})
	require.NoError(t, err)
	err = second.Run(context.Background())
	assert.ErrorIs(t, err, supervisor.ErrSingletonHeld)

	cancel()
	require.NoError(t, <-errCh)
}
