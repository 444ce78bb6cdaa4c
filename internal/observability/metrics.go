// Package observability exposes parkctl metrics and health over HTTP.
package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/observability/metrics"
)

var log = logger.Global().Module("observability")

// Metrics holds all the metric collectors for the process. A node fills
// FieldBus, Capture and Node; the central fills Ledger. Both fill MQTT and
// Notification.
type Metrics struct {
	registry     *prometheus.Registry
	FieldBus     *metrics.FieldBusMetrics
	Capture      *metrics.CaptureMetrics
	Node         *metrics.NodeMetrics
	Ledger       *metrics.LedgerMetrics
	MQTT         *metrics.MQTTMetrics
	Notification *metrics.NotificationMetrics
}

// NewMetrics creates a private registry with every collector registered,
// plus the Go runtime and process collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	m := &Metrics{registry: registry}
	var err error
	if m.FieldBus, err = metrics.NewFieldBusMetrics(registry); err != nil {
		return nil, err
	}
	if m.Capture, err = metrics.NewCaptureMetrics(registry); err != nil {
		return nil, err
	}
	if m.Node, err = metrics.NewNodeMetrics(registry); err != nil {
		return nil, err
	}
	if m.Ledger, err = metrics.NewLedgerMetrics(registry); err != nil {
		return nil, err
	}
	if m.MQTT, err = metrics.NewMQTTMetrics(registry); err != nil {
		return nil, err
	}
	if m.Notification, err = metrics.NewNotificationMetrics(registry); err != nil {
		return nil, err
	}
	return m, nil
}

// Registry is the registry served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
