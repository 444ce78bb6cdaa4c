package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphakala/parkctl/internal/events"
)

// NewEventBusMetrics exposes the bus counters as counter funcs.
func NewEventBusMetrics(registry prometheus.Registerer, bus *events.Bus) error {
	counter := func(name, help string, fn func(events.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn(bus.Stats())) })
	}
	g := group{
		counter("events_received_total", "Events accepted by the bus",
			func(s events.Stats) uint64 { return s.EventsReceived }),
		counter("events_dropped_total", "Events dropped on a full buffer",
			func(s events.Stats) uint64 { return s.EventsDropped }),
		counter("events_suppressed_total", "Repeated error events suppressed",
			func(s events.Stats) uint64 { return s.EventsSuppressed }),
		counter("events_consumer_errors_total", "Consumer failures and panics",
			func(s events.Stats) uint64 { return s.ConsumerErrors }),
	}
	return register(registry, "event bus", g)
}
