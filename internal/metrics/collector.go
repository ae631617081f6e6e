// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the metric vectors and their registry.
type Collector struct {
	registry *prometheus.Registry

	CacheLookups    *prometheus.CounterVec
	CacheEntries    *prometheus.GaugeVec
	CacheAdmissions prometheus.Counter
	Turns           *prometheus.CounterVec
	ToolInvocations *prometheus.CounterVec
	RequestDuration prometheus.Histogram
}

// NewCollector registers the chatty metrics on a fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_cache_lookups_total",
			Help: "Semantic cache lookups by result (hit, miss, bypass).",
		}, []string{"result"}),
		CacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatty_cache_entries",
			Help: "Current cache occupancy by tier.",
		}, []string{"tier"}),
		CacheAdmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatty_cache_admissions_total",
			Help: "Dynamic entries admitted to the cache.",
		}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_turns_total",
			Help: "Chat turns by outcome (completed, cache_hit, model_failure, max_rounds_exceeded).",
		}, []string{"outcome"}),
		ToolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatty_tool_invocations_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatty_request_duration_seconds",
			Help:    "End-to-end chat request duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.CacheLookups,
		c.CacheEntries,
		c.CacheAdmissions,
		c.Turns,
		c.ToolInvocations,
		c.RequestDuration,
	)
	return c
}

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// CacheLookup, CacheAdmission, TurnOutcome, and ToolInvocation satisfy
// the chat pipeline's metrics callback interface.

func (c *Collector) CacheLookup(result string) {
	c.CacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) CacheAdmission() {
	c.CacheAdmissions.Inc()
}

func (c *Collector) TurnOutcome(outcome string) {
	c.Turns.WithLabelValues(outcome).Inc()
}

func (c *Collector) ToolInvocation(tool, status string) {
	c.ToolInvocations.WithLabelValues(tool, status).Inc()
}
