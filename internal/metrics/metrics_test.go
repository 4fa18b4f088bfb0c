package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpersNoopBeforeRegister(t *testing.T) {
	if regOK.Load() {
		t.Skip("metrics already registered by another test")
	}
	IncLaunch("dashboard", "ok")
	IncRestart("runner", "watchdog", "launched")
	SetRunners(map[string]int{"idle": 1})
	if got := testutil.ToFloat64(serviceLaunches.WithLabelValues("dashboard", "ok")); got != 0 {
		t.Fatalf("expected no-op before Register, got %v", got)
	}
}

func TestRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	// second call is a no-op
	if err := Register(reg); err != nil {
		t.Fatalf("register again: %v", err)
	}

	IncRestart("runner", "supervisor", "launched")
	IncRestart("runner", "supervisor", "launched")
	IncAssignment("", "assigned")
	IncCompletion(false)
	SetHealthy("dashboard", true)
	SetRunners(map[string]int{"idle": 2, "running": 1})

	if got := testutil.ToFloat64(serviceRestarts.WithLabelValues("runner", "supervisor", "launched")); got != 2 {
		t.Fatalf("restarts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(poolAssignments.WithLabelValues("any", "assigned")); got != 1 {
		t.Fatalf("assignments = %v, want 1", got)
	}
	if got := testutil.ToFloat64(poolCompletions.WithLabelValues("failure")); got != 1 {
		t.Fatalf("completions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(serviceHealthy.WithLabelValues("dashboard")); got != 1 {
		t.Fatalf("healthy = %v", got)
	}
	if got := testutil.ToFloat64(poolRunners.WithLabelValues("running")); got != 1 {
		t.Fatalf("running runners = %v", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Register may already have bound the collectors to a private registry
	_ = prometheus.DefaultRegisterer.Register(serviceLaunches)
	_ = Register(prometheus.DefaultRegisterer)
	serviceLaunches.WithLabelValues("dashboard", "ok").Inc()
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "shepherd_service_launches_total") {
		t.Fatalf("launch counter missing from exposition")
	}
}

func TestSampleSelf(t *testing.T) {
	r, err := Sample(context.Background(), os.Getpid())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if r.PID != int32(os.Getpid()) || r.MemoryMB <= 0 {
		t.Fatalf("unexpected sample %+v", r)
	}
}
