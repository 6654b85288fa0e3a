// Package metrics exposes the loop's aggregate counters as Prometheus
// collectors on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ark95x-sAn/n8n-sovereign/internal/loop"
)

// Collector implements loop.MetricsRecorder.
type Collector struct {
	registry *prometheus.Registry

	iterations *prometheus.CounterVec
	artifacts  prometheus.Counter
	scale      prometheus.Gauge
	patterns   prometheus.Gauge
	passRate   prometheus.Gauge
}

// NewCollector creates and registers all loop collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sovereign",
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Completed loop iterations by terminal status.",
		}, []string{"status"}),
		artifacts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sovereign",
			Subsystem: "loop",
			Name:      "artifacts_total",
			Help:      "Artifacts emitted by the generator.",
		}),
		scale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sovereign",
			Subsystem: "loop",
			Name:      "scale",
			Help:      "Current capacity multiplier.",
		}),
		patterns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sovereign",
			Subsystem: "learning",
			Name:      "patterns",
			Help:      "Patterns currently held by the learning core.",
		}),
		passRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sovereign",
			Subsystem: "verify",
			Name:      "pass_rate",
			Help:      "Fraction of verification attempts that passed.",
		}),
	}

	c.registry.MustRegister(c.iterations, c.artifacts, c.scale, c.patterns, c.passRate)
	return c
}

func (c *Collector) ObserveTick(status loop.Status) {
	c.iterations.WithLabelValues(string(status)).Inc()
}

func (c *Collector) AddArtifacts(n int) {
	c.artifacts.Add(float64(n))
}

func (c *Collector) SetScale(scale float64) {
	c.scale.Set(scale)
}

func (c *Collector) SetPatterns(n int) {
	c.patterns.Set(float64(n))
}

func (c *Collector) SetPassRate(rate float64) {
	c.passRate.Set(rate)
}

// Registry returns the private registry for test scraping.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
