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

	programStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeepr",
			Subsystem: "program",
			Name:      "starts_total",
			Help:      "Number of child spawns, explicit and automatic.",
		}, []string{"name"},
	)
	programRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeepr",
			Subsystem: "program",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after an unexpected exit.",
		}, []string{"name"},
	)
	programStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeepr",
			Subsystem: "program",
			Name:      "stops_total",
			Help:      "Number of requested stops (graceful or kill).",
		}, []string{"name"},
	)
	programEarlyExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeepr",
			Subsystem: "program",
			Name:      "early_exits_total",
			Help:      "Exits before the start duration, counted against the retry budget.",
		}, []string{"name"},
	)
	programFatal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeepr",
			Subsystem: "program",
			Name:      "fatal_total",
			Help:      "Times the retry budget was exhausted and the program went fatal.",
		}, []string{"name"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botkeepr",
			Subsystem: "program",
			Name:      "run_duration_seconds",
			Help:      "How long each child run lasted before exiting.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 3600, 21600, 86400},
		}, []string{"name"},
	)
	backoffDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botkeepr",
			Subsystem: "program",
			Name:      "backoff_delay_seconds",
			Help:      "Delay applied before an automatic restart.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botkeepr",
			Subsystem: "program",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between supervision states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botkeepr",
			Subsystem: "program",
			Name:      "current_state",
			Help:      "Current supervision state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		programStarts, programRestarts, programStops, programEarlyExits,
		programFatal, runDuration, backoffDelay, stateTransitions, currentStates,
	}
	for _, c := range cs {
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		programStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		programRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		programStops.WithLabelValues(name).Inc()
	}
}

func IncEarlyExit(name string) {
	if regOK.Load() {
		programEarlyExits.WithLabelValues(name).Inc()
	}
}

func IncFatal(name string) {
	if regOK.Load() {
		programFatal.WithLabelValues(name).Inc()
	}
}

func ObserveRunDuration(name string, seconds float64) {
	if regOK.Load() {
		runDuration.WithLabelValues(name).Observe(seconds)
	}
}

func ObserveBackoffDelay(name string, seconds float64) {
	if regOK.Load() {
		backoffDelay.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}
