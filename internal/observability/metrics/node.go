package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// NodeMetrics observes a floor node. It implements occupancy.Recorder,
// gate.Recorder and snapshot.SyncRecorder.
type NodeMetrics struct {
	group
	ScanDuration *prometheus.HistogramVec
	Occupied     *prometheus.GaugeVec
	Transitions  *prometheus.CounterVec
	Aliasing     *prometheus.CounterVec
	GatePasses   *prometheus.CounterVec
	GateCycle    *prometheus.HistogramVec
	Exchanges    *prometheus.CounterVec
	ExchangeTime *prometheus.HistogramVec
	Degraded     *prometheus.GaugeVec
	BoardErrors  prometheus.Counter
}

// NewNodeMetrics creates and registers the node collectors.
func NewNodeMetrics(registry prometheus.Registerer) (*NodeMetrics, error) {
	m := &NodeMetrics{
		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "slot_scan_duration_seconds",
			Help:      "Time to sample every slot of a floor",
			Buckets:   latencyBuckets,
		}, []string{"floor"}),
		Occupied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "slots_occupied",
			Help:      "Occupied slots after the last scan",
		}, []string{"floor"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "slot_transitions_total",
			Help:      "Slot entries and exits detected",
		}, []string{"floor", "kind"}),
		Aliasing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "slot_delta_aliasing_total",
			Help:      "Scans where the weighted sum delta could not identify a single slot",
		}, []string{"floor"}),
		GatePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "gate_passes_total",
			Help:      "Completed barrier cycles",
		}, []string{"gate", "manual"}),
		GateCycle: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "gate_cycle_seconds",
			Help:      "Open to closed barrier time",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}, []string{"gate"}),
		Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "snapshot_exchanges_total",
			Help:      "Snapshot exchanges with the central",
		}, []string{"floor", "status"}),
		ExchangeTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "snapshot_exchange_duration_seconds",
			Help:      "Snapshot round trip time",
			Buckets:   latencyBuckets,
		}, []string{"floor"}),
		Degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "snapshot_degraded",
			Help:      "1 while the node runs on stale central flags",
		}, []string{"floor"}),
		BoardErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "signboard_write_errors_total",
			Help:      "Failed sign-board register writes",
		}),
	}
	m.group = group{m.ScanDuration, m.Occupied, m.Transitions, m.Aliasing, m.GatePasses,
		m.GateCycle, m.Exchanges, m.ExchangeTime, m.Degraded, m.BoardErrors}
	if err := register(registry, "node", m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordScan records one full slot scan.
func (m *NodeMetrics) RecordScan(floor, occupied int, elapsed time.Duration) {
	f := strconv.Itoa(floor)
	m.ScanDuration.WithLabelValues(f).Observe(elapsed.Seconds())
	m.Occupied.WithLabelValues(f).Set(float64(occupied))
}

// RecordTransition records a slot entry or exit.
func (m *NodeMetrics) RecordTransition(floor int, kind string) {
	m.Transitions.WithLabelValues(strconv.Itoa(floor), kind).Inc()
}

// RecordAliasing records an ambiguous weighted-sum delta.
func (m *NodeMetrics) RecordAliasing(floor int) {
	m.Aliasing.WithLabelValues(strconv.Itoa(floor)).Inc()
}

// RecordPass records a completed barrier cycle.
func (m *NodeMetrics) RecordPass(gate string, manual bool, elapsed time.Duration) {
	m.GatePasses.WithLabelValues(gate, strconv.FormatBool(manual)).Inc()
	m.GateCycle.WithLabelValues(gate).Observe(elapsed.Seconds())
}

// RecordExchange records one snapshot exchange.
func (m *NodeMetrics) RecordExchange(floor int, err error, elapsed time.Duration) {
	f := strconv.Itoa(floor)
	m.Exchanges.WithLabelValues(f, status(err)).Inc()
	if err == nil {
		m.ExchangeTime.WithLabelValues(f).Observe(elapsed.Seconds())
	}
}

// RecordDegraded records entering or leaving degraded mode.
func (m *NodeMetrics) RecordDegraded(floor int, degraded bool) {
	v := 0.0
	if degraded {
		v = 1
	}
	m.Degraded.WithLabelValues(strconv.Itoa(floor)).Set(v)
}

// RecordBoardError counts a failed sign-board write.
func (m *NodeMetrics) RecordBoardError() { m.BoardErrors.Inc() }
