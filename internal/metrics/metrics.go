package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shepherd",
			Subsystem: "service",
			Name:      "launches_total",
			Help:      "Service launch attempts by result (ok, failed, denied).",
		}, []string{"service", "result"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shepherd",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Restart attempts by actor and outcome.",
		}, []string{"service", "actor", "outcome"},
	)
	serviceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shepherd",
			Subsystem: "service",
			Name:      "healthy",
			Help:      "Last probe result per service (1 healthy, 0 unhealthy).",
		}, []string{"service"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shepherd",
			Subsystem: "service",
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	serviceCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shepherd",
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage of supervised service processes.",
		}, []string{"service"},
	)
	serviceMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shepherd",
			Subsystem: "service",
			Name:      "memory_mb",
			Help:      "Resident memory of supervised service processes.",
		}, []string{"service"},
	)

	poolAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shepherd",
			Subsystem: "pool",
			Name:      "assignments_total",
			Help:      "Task assignment requests by requested profile and result (assigned, none).",
		}, []string{"profile", "result"},
	)
	poolCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shepherd",
			Subsystem: "pool",
			Name:      "completions_total",
			Help:      "Task completions by result (success, failure).",
		}, []string{"result"},
	)
	poolRunners = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shepherd",
			Subsystem: "pool",
			Name:      "runners",
			Help:      "Runners per status.",
		}, []string{"status"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shepherd",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Supervisor lifecycle state transitions.",
		}, []string{"from", "to"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceLaunches, serviceRestarts, serviceHealthy, probeDuration,
		serviceCPUPercent, serviceMemoryMB,
		poolAssignments, poolCompletions, poolRunners, stateTransitions,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register succeeded.

func IncLaunch(service, result string) {
	if regOK.Load() {
		serviceLaunches.WithLabelValues(service, result).Inc()
	}
}

func IncRestart(service, actor, outcome string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(service, actor, outcome).Inc()
	}
}

func SetHealthy(service string, ok bool) {
	if regOK.Load() {
		v := 0.0
		if ok {
			v = 1
		}
		serviceHealthy.WithLabelValues(service).Set(v)
	}
}

func ObserveProbe(service string, seconds float64) {
	if regOK.Load() {
		probeDuration.WithLabelValues(service).Observe(seconds)
	}
}

func SetResources(service string, cpuPercent, memoryMB float64) {
	if regOK.Load() {
		serviceCPUPercent.WithLabelValues(service).Set(cpuPercent)
		serviceMemoryMB.WithLabelValues(service).Set(memoryMB)
	}
}

func IncAssignment(profile, result string) {
	if regOK.Load() {
		if profile == "" {
			profile = "any"
		}
		poolAssignments.WithLabelValues(profile, result).Inc()
	}
}

func IncCompletion(success bool) {
	if regOK.Load() {
		r := "failure"
		if success {
			r = "success"
		}
		poolCompletions.WithLabelValues(r).Inc()
	}
}

// SetRunners replaces the per-status runner gauge.
func SetRunners(byStatus map[string]int) {
	if regOK.Load() {
		poolRunners.Reset()
		for st, n := range byStatus {
			poolRunners.WithLabelValues(st).Set(float64(n))
		}
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}
