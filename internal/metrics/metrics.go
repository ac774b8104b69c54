// Package metrics is the optional Prometheus export surface spec.md §1
// gestures at ("metrics export") without naming a concrete mechanism. It is
// never required by core logic: a Collector only gets exercised when a
// deployment wires it into the Dispatcher/Timer Manager via SetMetrics, so
// running stagertd without -metrics incurs no cost beyond two nil checks
// per call site.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes the counters/gauges every stagert node can optionally
// report: messages routed, live stage count, and timer fires (spec.md §4
// components C6 and C3).
type Collector struct {
	registry *prometheus.Registry

	messagesRouted prometheus.Counter
	stageCount     prometheus.Gauge
	timerFires     prometheus.Counter
}

// NewCollector builds a Collector with its own private registry, so a
// process embedding stagert as a library never collides with metrics the
// host application already registers.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		messagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagert",
			Name:      "messages_routed_total",
			Help:      "Packets the Dispatcher has routed to a stage inbox.",
		}),
		stageCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stagert",
			Name:      "stages_live",
			Help:      "Number of stages currently registered with the Dispatcher.",
		}),
		timerFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagert",
			Name:      "timer_fires_total",
			Help:      "Timer ticks the Timer Manager has delivered to a stage.",
		}),
	}

	reg.MustRegister(c.messagesRouted, c.stageCount, c.timerFires)
	return c
}

// IncRouted implements dispatch.MetricsSink.
func (c *Collector) IncRouted() { c.messagesRouted.Inc() }

// SetStageCount implements dispatch.MetricsSink.
func (c *Collector) SetStageCount(n int) { c.stageCount.Set(float64(n)) }

// IncTimerFire implements timer.MetricsSink.
func (c *Collector) IncTimerFire() { c.timerFires.Inc() }

// Handler serves the collector's registry in the Prometheus text exposition
// format, for mounting at e.g. /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
