// Package metrics provides the Prometheus collectors for parkctl. Each
// collector set implements the recorder interface of the package it
// observes, so those packages never import Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "parkctl"

// ShutdownTimeout bounds the metrics server shutdown.
const ShutdownTimeout = 5 * time.Second

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// latencyBuckets spans 1ms to ~4s, covering field-bus transactions and
// snapshot exchanges.
var latencyBuckets = prometheus.ExponentialBuckets(0.001, 2, 13)

// group lets a metric set register as a single collector.
type group []prometheus.Collector

// Describe implements the prometheus.Collector interface.
func (g group) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range g {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (g group) Collect(ch chan<- prometheus.Metric) {
	for _, c := range g {
		c.Collect(ch)
	}
}

func register(registry prometheus.Registerer, name string, c prometheus.Collector) error {
	if err := registry.Register(c); err != nil {
		return fmt.Errorf("failed to register %s metrics: %w", name, err)
	}
	return nil
}

func addressLabel(addr byte) string { return fmt.Sprintf("0x%02X", addr) }

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}
