// Package metrics holds the Prometheus collectors for the sandbox server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all sandbox server metrics on a private registry.
// A nil *Collector is valid and records nothing.
type Collector struct {
	Registry *prometheus.Registry

	EnsureTotal    *prometheus.CounterVec
	EnsureDuration *prometheus.HistogramVec

	ExecTotal    *prometheus.CounterVec
	ExecDuration prometheus.Histogram

	TreeBuildsTotal *prometheus.CounterVec

	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	TerminalBytes    *prometheus.CounterVec
	EnvironmentsHeld prometheus.Gauge
}

// New creates a Collector with every metric registered.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		EnsureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibethis",
			Subsystem: "sandbox",
			Name:      "ensure_total",
			Help:      "Sandbox ensure operations by outcome.",
		}, []string{"outcome"}),

		EnsureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vibethis",
			Subsystem: "sandbox",
			Name:      "ensure_duration_seconds",
			Help:      "Sandbox ensure duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"outcome"}),

		ExecTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibethis",
			Subsystem: "sandbox",
			Name:      "exec_total",
			Help:      "Commands executed inside sandboxes.",
		}, []string{"status"}),

		ExecDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vibethis",
			Subsystem: "sandbox",
			Name:      "exec_duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),

		TreeBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibethis",
			Subsystem: "sandbox",
			Name:      "tree_builds_total",
			Help:      "Directory tree builds by status.",
		}, []string{"status"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vibethis",
			Subsystem: "terminal",
			Name:      "sessions_active",
			Help:      "Currently attached terminal sessions.",
		}),

		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibethis",
			Subsystem: "terminal",
			Name:      "sessions_total",
			Help:      "Terminal attach attempts by result.",
		}, []string{"result"}),

		TerminalBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vibethis",
			Subsystem: "terminal",
			Name:      "bytes_total",
			Help:      "Bytes relayed between connections and shells.",
		}, []string{"direction"}),

		EnvironmentsHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vibethis",
			Subsystem: "sandbox",
			Name:      "environments_referenced",
			Help:      "Environments with at least one live session reference.",
		}),
	}

	reg.MustRegister(
		c.EnsureTotal,
		c.EnsureDuration,
		c.ExecTotal,
		c.ExecDuration,
		c.TreeBuildsTotal,
		c.SessionsActive,
		c.SessionsTotal,
		c.TerminalBytes,
		c.EnvironmentsHeld,
	)

	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// ObserveEnsure records one ensure operation.
func (c *Collector) ObserveEnsure(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.EnsureTotal.WithLabelValues(outcome).Inc()
	c.EnsureDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveExec records one command execution.
func (c *Collector) ObserveExec(err error, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.ExecTotal.WithLabelValues(status(err)).Inc()
	c.ExecDuration.Observe(elapsed.Seconds())
}

// ObserveTree records one directory tree build.
func (c *Collector) ObserveTree(err error) {
	if c == nil {
		return
	}
	c.TreeBuildsTotal.WithLabelValues(status(err)).Inc()
}

// SessionAttached records an attach attempt. result is one of attached,
// duplicate or failed.
func (c *Collector) SessionAttached(result string) {
	if c == nil {
		return
	}
	c.SessionsTotal.WithLabelValues(result).Inc()
	if result == "attached" {
		c.SessionsActive.Inc()
	}
}

// SessionClosed records the end of an attached session.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.SessionsActive.Dec()
}

// AddTerminalBytes counts relayed terminal bytes. direction is in or out.
func (c *Collector) AddTerminalBytes(direction string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.TerminalBytes.WithLabelValues(direction).Add(float64(n))
}

// SetEnvironmentsHeld sets the number of referenced environments.
func (c *Collector) SetEnvironmentsHeld(n int) {
	if c == nil {
		return
	}
	c.EnvironmentsHeld.Set(float64(n))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
