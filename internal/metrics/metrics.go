// Package metrics is a thin wrapper over prometheus/client_golang,
// giving the Consumer Engine a shared, explicitly-constructed collector
// registry (no package-level globals, matching this repo's avoidance of
// singletons elsewhere). The Discovery Engine and Device Registry do not
// record metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns a prometheus.Registry and lazily creates named
// collector vectors on first use, so callers don't need to plumb
// collector construction through every constructor that wants a metric.
type Registry struct {
	reg *prometheus.Registry

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

// NewRegistry constructs an empty Registry. No HTTP endpoint is served
// here; the embedding process mounts Registry() wherever it exposes
// metrics (out of scope for this bridge, per its Non-goals).
func NewRegistry() *Registry {
	return &Registry{
		reg:      prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
}

// Registry returns the underlying prometheus.Registry for mounting.
func (r *Registry) Registry() *prometheus.Registry {
	return r.reg
}

// Counter returns the named CounterVec, registering it on first call.
func (r *Registry) Counter(name, help string, labelNames ...string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

// Gauge returns the named GaugeVec, registering it on first call.
func (r *Registry) Gauge(name, help string, labelNames ...string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}
