package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics observes the central ledger.
type LedgerMetrics struct {
	group
	Active         prometheus.Gauge
	Capacity       prometheus.Gauge
	FacilityClosed prometheus.Gauge
	PendingTickets prometheus.Gauge
	OpenAlerts     prometheus.Gauge
	Admissions     *prometheus.CounterVec
	Settlements    *prometheus.CounterVec
	RevenueCents   prometheus.Counter
	Alerts         *prometheus.CounterVec
	Duplicates     prometheus.Counter
}

// NewLedgerMetrics creates and registers the ledger collectors.
func NewLedgerMetrics(registry prometheus.Registerer) (*LedgerMetrics, error) {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Name: name, Help: help})
	}
	m := &LedgerMetrics{
		Active:         gauge("ledger_active_vehicles", "Vehicles with an active record"),
		Capacity:       gauge("ledger_open_capacity", "Slots on open floors"),
		FacilityClosed: gauge("ledger_facility_closed", "1 while the entrance refuses vehicles"),
		PendingTickets: gauge("ledger_pending_tickets", "Temporary tickets awaiting settlement or reconciliation"),
		OpenAlerts:     gauge("ledger_open_alerts", "Unresolved audit alerts"),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ledger_admissions_total",
			Help:      "Admitted vehicles, by whether a temporary ticket was issued",
		}, []string{"ticketed"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ledger_settlements_total",
			Help:      "Slot exits, by whether an active record matched",
		}, []string{"matched"}),
		RevenueCents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ledger_revenue_cents_total",
			Help:      "Fees settled, in cents",
		}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ledger_alerts_total",
			Help:      "Audit alerts raised by kind",
		}, []string{"kind"}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ledger_duplicate_events_total",
			Help:      "Node events dropped as re-sends",
		}),
	}
	m.group = group{m.Active, m.Capacity, m.FacilityClosed, m.PendingTickets, m.OpenAlerts,
		m.Admissions, m.Settlements, m.RevenueCents, m.Alerts, m.Duplicates}
	if err := register(registry, "ledger", m); err != nil {
		return nil, err
	}
	return m, nil
}

// SetCapacity publishes the last capacity evaluation.
func (m *LedgerMetrics) SetCapacity(active, capacity int, closed bool) {
	m.Active.Set(float64(active))
	m.Capacity.Set(float64(capacity))
	if closed {
		m.FacilityClosed.Set(1)
	} else {
		m.FacilityClosed.Set(0)
	}
}

// SetTables publishes table occupancy.
func (m *LedgerMetrics) SetTables(pendingTickets, openAlerts int) {
	m.PendingTickets.Set(float64(pendingTickets))
	m.OpenAlerts.Set(float64(openAlerts))
}

// RecordAdmission counts an admitted vehicle.
func (m *LedgerMetrics) RecordAdmission(ticketed bool) {
	m.Admissions.WithLabelValues(strconv.FormatBool(ticketed)).Inc()
}

// RecordSettlement counts a slot exit and its fee.
func (m *LedgerMetrics) RecordSettlement(matched bool, feeCents int) {
	m.Settlements.WithLabelValues(strconv.FormatBool(matched)).Inc()
	if feeCents > 0 {
		m.RevenueCents.Add(float64(feeCents))
	}
}

// RecordAlert counts a raised alert.
func (m *LedgerMetrics) RecordAlert(kind string) { m.Alerts.WithLabelValues(kind).Inc() }

// RecordDuplicate counts a re-sent node event.
func (m *LedgerMetrics) RecordDuplicate() { m.Duplicates.Inc() }
