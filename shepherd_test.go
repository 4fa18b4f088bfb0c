package shepherd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/shepherd/internal/gpu"
	"github.com/loykin/shepherd/internal/history"
	"github.com/loykin/shepherd/internal/pool"
	"github.com/loykin/shepherd/internal/service"
)

type noGPU struct{}

func (noGPU) Devices(context.Context) []gpu.Device { return nil }

func testConfig(t *testing.T) *Config {
	t.Helper()
	c, err := LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, c.SetRoot(t.TempDir()))
	c.Supervisor.Interval = 50 * time.Millisecond
	c.Pool.MonitorInterval = 20 * time.Millisecond
	c.Services[0].Interval = 20 * time.Millisecond
	return c
}

func openApp(t *testing.T, c *Config, opts ...Option) *App {
	t.Helper()
	base := []Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithGPU(noGPU{})}
	app, err := Open(c, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestOpenPreparesStateDir(t *testing.T) {
	c := testConfig(t)
	app := openApp(t, c)
	info, err := os.Stat(c.StatePath())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, c.StatePath(), app.Store().Dir())
	require.Len(t, app.Services(), 1)
	assert.Equal(t, service.WorkflowMonitor, app.Services()[0].Name)
}

func TestOpenRejectsUnknownHistoryDSN(t *testing.T) {
	c := testConfig(t)
	c.History.DSN = "ftp://example.com/events"
	_, err := Open(c, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history")
}

func TestOpenWithSQLiteHistory(t *testing.T) {
	c := testConfig(t)
	c.History.DSN = "sqlite://" + filepath.Join(t.TempDir(), "history.db")
	app := openApp(t, c)
	require.NotNil(t, app.History())
}

func TestInitPoolFallbackAndAssign(t *testing.T) {
	app := openApp(t, testConfig(t))
	ctx := context.Background()

	cfg, err := app.InitPool(ctx, "")
	require.NoError(t, err)
	require.Len(t, cfg.Runners, 2)

	r, err := app.Pool().Assign(ctx, "task-1", pool.ProfileGPULight)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "runner-1", r.ID)
	assert.Equal(t, "task-1", r.CurrentTask)
}

func TestInitPoolFromConfiguredLayout(t *testing.T) {
	c := testConfig(t)
	layout := "- profile: gpu-heavy\n  gpu_id: 0\n- profile: cpu\n  count: 3\n"
	require.NoError(t, os.WriteFile(filepath.Join(c.Root, "layout.yaml"), []byte(layout), 0o600))
	c.Pool.LayoutFile = "layout.yaml"
	app := openApp(t, c)

	cfg, err := app.InitPool(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, cfg.Runners, 4)
	assert.Equal(t, pool.ProfileGPUHeavy, cfg.Runners[0].Profile)
	assert.Equal(t, []string{"runner-1"}, cfg.GPUReservation[0])
}

func TestInitPoolMissingLayout(t *testing.T) {
	app := openApp(t, testConfig(t))
	_, err := app.InitPool(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestSupervisorThroughApp(t *testing.T) {
	sink := &history.MemorySink{}
	app := openApp(t, testConfig(t), WithHistory(sink))
	ctx := context.Background()

	sup, err := app.Supervisor()
	require.NoError(t, err)
	require.NoError(t, sup.Start(ctx))

	st, err := sup.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	require.Len(t, st.Services, 1)
	assert.True(t, st.Services[0].Healthy)

	// a second supervisor over the same state dir must not start
	other, err := app.Supervisor()
	require.NoError(t, err)
	require.ErrorIs(t, other.Start(ctx), ErrSingletonHeld)

	require.NoError(t, sup.Stop(ctx))
	assert.Equal(t, 1, sink.Count(history.EventSupervisorStart))
	assert.Equal(t, 1, sink.Count(history.EventSupervisorStop))
}

func TestRouterServesPool(t *testing.T) {
	app := openApp(t, testConfig(t))
	_, err := app.InitPool(context.Background(), "")
	require.NoError(t, err)
	sup, err := app.Supervisor()
	require.NoError(t, err)

	ts := httptest.NewServer(app.Router(sup).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/pool")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum PoolSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	assert.True(t, sum.Initialized)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 2, sum.Idle)
}

func TestServeDisabledWithoutListen(t *testing.T) {
	app := openApp(t, testConfig(t))
	srv, err := app.Serve(nil)
	require.NoError(t, err)
	assert.Nil(t, srv)
}
