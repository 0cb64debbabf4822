package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States reported by SetState. Exactly one is 1 at a time.
var States = []string{"stopped", "starting", "ready", "stopping"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Number of backend spawns.",
		}, []string{"name"},
	)
	backendReady = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "ready_total",
			Help:      "Number of times the backend became ready.",
		}, []string{"name"},
	)
	backendExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "exits_total",
			Help:      "Number of backend exits by outcome (clean, crashed, stopped).",
		}, []string{"name", "outcome"},
	)
	backendStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Number of requested stops by method (term, kill).",
		}, []string{"name", "method"},
	)
	backendRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "restarts_total",
			Help:      "Number of requested restarts.",
		}, []string{"name"},
	)
	backendMissingArtifact = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "missing_artifact_total",
			Help:      "Number of start attempts refused because the artifact was missing.",
		}, []string{"name"},
	)
	backendReadyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "ready_latency_seconds",
			Help:      "Time from spawn until the backend was detected ready.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between backend states.",
		}, []string{"name", "from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "deskhost",
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current backend state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	windowOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deskhost",
			Subsystem: "window",
			Name:      "open",
			Help:      "1 while the application window is open.",
		},
	)
	bridgeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deskhost",
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Bridge operations invoked by the UI, by transport.",
		}, []string{"op", "transport"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		backendStarts, backendReady, backendExits, backendStops, backendRestarts,
		backendMissingArtifact, backendReadyLatency, stateTransitions, currentState,
		windowOpen, bridgeCalls,
		cpuPercent, memoryRSS, numProcs,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		backendStarts.WithLabelValues(name).Inc()
	}
}

func IncReady(name string, latencySeconds float64) {
	if regOK.Load() {
		backendReady.WithLabelValues(name).Inc()
		backendReadyLatency.WithLabelValues(name).Observe(latencySeconds)
	}
}

func IncExit(name, outcome string) {
	if regOK.Load() {
		backendExits.WithLabelValues(name, outcome).Inc()
	}
}

func IncStop(name, method string) {
	if regOK.Load() {
		backendStops.WithLabelValues(name, method).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		backendRestarts.WithLabelValues(name).Inc()
	}
}

func IncMissingArtifact(name string) {
	if regOK.Load() {
		backendMissingArtifact.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetState marks state active and every other known state inactive.
func SetState(name, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(name, s).Set(v)
	}
}

func SetWindowOpen(open bool) {
	if regOK.Load() {
		v := 0.0
		if open {
			v = 1
		}
		windowOpen.Set(v)
	}
}

func IncBridgeCall(op, transport string) {
	if regOK.Load() {
		bridgeCalls.WithLabelValues(op, transport).Inc()
	}
}
