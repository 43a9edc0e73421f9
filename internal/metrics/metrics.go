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

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesup",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service process starts.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesup",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of scheduled automatic restarts.",
		}, []string{"name"},
	)
	serviceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesup",
			Subsystem: "service",
			Name:      "exits_total",
			Help:      "Number of observed process exits.",
		}, []string{"name"},
	)
	serviceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "livesup",
			Subsystem: "service",
			Name:      "healthy",
			Help:      "Whether the service is currently considered healthy (1) or not (0).",
		}, []string{"name"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesup",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health check outcomes per service.",
		}, []string{"name", "result"},
	)
	connectedNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "livesup",
			Subsystem: "registry",
			Name:      "connected_nodes",
			Help:      "Number of nodes currently registered.",
		},
	)
	messagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "livesup",
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Messages handled by the router, by topic and outcome.",
		}, []string{"topic", "outcome"},
	)
	rpcTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "livesup",
			Subsystem: "rpc",
			Name:      "timeouts_total",
			Help:      "Number of calls that timed out waiting for a reply.",
		},
	)
	processCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "livesup",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of a service process.",
		}, []string{"name"},
	)
	processRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "livesup",
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Last sampled resident memory of a service process.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serviceStarts, serviceRestarts, serviceExits, serviceHealthy, healthChecks,
		connectedNodes, messagesRouted, rpcTimeouts, processCPU, processRSS,
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func IncExit(name string) {
	if regOK.Load() {
		serviceExits.WithLabelValues(name).Inc()
	}
}

func SetHealthy(name string, healthy bool) {
	if regOK.Load() {
		var v float64
		if healthy {
			v = 1
		}
		serviceHealthy.WithLabelValues(name).Set(v)
	}
}

// ObserveHealthCheck records one check; result is "healthy", "unhealthy" or "skipped".
func ObserveHealthCheck(name, result string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(name, result).Inc()
	}
}

func SetConnectedNodes(n int) {
	if regOK.Load() {
		connectedNodes.Set(float64(n))
	}
}

// ObserveRouted records a routed message; outcome is "forwarded", "local", "unroutable" or "dropped".
func ObserveRouted(topic, outcome string) {
	if regOK.Load() {
		messagesRouted.WithLabelValues(topic, outcome).Inc()
	}
}

func IncRPCTimeout() {
	if regOK.Load() {
		rpcTimeouts.Inc()
	}
}
