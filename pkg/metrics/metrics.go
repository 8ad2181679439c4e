// Package metrics wraps the Prometheus client so the rest of the tracker
// can register gauges/counters/histograms without each package importing
// the client library directly, and so metrics collection can be toggled
// off entirely (the teacher's storage packages all gate expensive
// aggregation behind metrics.Enabled()).
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

// SetEnabled toggles whether the rest of the tracker should bother
// computing and reporting metrics.
func SetEnabled(e bool) {
	enabled.Store(e)
}

// Enabled reports whether metrics collection is currently turned on.
func Enabled() bool {
	return enabled.Load()
}

// DefaultRegisterer is the registry every package in this tracker registers
// its collectors with.
var DefaultRegisterer = prometheus.DefaultRegisterer

// NewCounter registers and returns a new counter, or returns the
// already-registered one if called twice with the same name (tests create
// storage/swarm instances repeatedly).
func NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	if err := DefaultRegisterer.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}

// NewGauge registers and returns a new gauge, reusing an existing
// registration with the same name if present.
func NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	if err := DefaultRegisterer.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Gauge)
		}
	}
	return g
}

// NewHistogram registers and returns a new histogram, reusing an existing
// registration with the same name if present.
func NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	if err := DefaultRegisterer.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Histogram)
		}
	}
	return h
}
