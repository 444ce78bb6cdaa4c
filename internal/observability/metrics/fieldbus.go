package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FieldBusMetrics observes the serial link; it implements fieldbus.Recorder.
type FieldBusMetrics struct {
	group
	Transactions    *prometheus.CounterVec
	Attempts        *prometheus.HistogramVec
	Duration        *prometheus.HistogramVec
	AttemptFailures *prometheus.CounterVec
}

// NewFieldBusMetrics creates and registers the field-bus collectors.
func NewFieldBusMetrics(registry prometheus.Registerer) (*FieldBusMetrics, error) {
	m := &FieldBusMetrics{
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fieldbus_transactions_total",
			Help:      "Field-bus transactions by device address, function code and outcome",
		}, []string{"address", "function", "status"}),
		Attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "fieldbus_attempts",
			Help:      "Attempts used per transaction",
			Buckets:   []float64{1, 2, 3},
		}, []string{"address"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "fieldbus_transaction_duration_seconds",
			Help:      "Transaction time including retries",
			Buckets:   latencyBuckets,
		}, []string{"address"}),
		AttemptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fieldbus_attempt_failures_total",
			Help:      "Failed attempts by device address and reason",
		}, []string{"address", "reason"}),
	}
	m.group = group{m.Transactions, m.Attempts, m.Duration, m.AttemptFailures}
	if err := register(registry, "field-bus", m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTransaction records a finished transaction.
func (m *FieldBusMetrics) RecordTransaction(address, function byte, attempts int, elapsed time.Duration, err error) {
	addr := addressLabel(address)
	m.Transactions.WithLabelValues(addr, addressLabel(function), status(err)).Inc()
	m.Attempts.WithLabelValues(addr).Observe(float64(attempts))
	m.Duration.WithLabelValues(addr).Observe(elapsed.Seconds())
}

// RecordAttemptFailure records one failed attempt.
func (m *FieldBusMetrics) RecordAttemptFailure(address byte, reason string) {
	m.AttemptFailures.WithLabelValues(addressLabel(address), reason).Inc()
}

// CaptureMetrics observes plate captures; it implements lpr.Recorder.
type CaptureMetrics struct {
	group
	Captures *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewCaptureMetrics creates and registers the capture collectors.
func NewCaptureMetrics(registry prometheus.Registerer) (*CaptureMetrics, error) {
	m := &CaptureMetrics{
		Captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "plate_captures_total",
			Help:      "Plate capture sequences by camera address and outcome",
		}, []string{"address", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "plate_capture_duration_seconds",
			Help:      "Trigger to terminal status time",
			Buckets:   prometheus.LinearBuckets(0.1, 0.2, 12),
		}, []string{"address"}),
	}
	m.group = group{m.Captures, m.Duration}
	if err := register(registry, "capture", m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordCapture records a finished capture sequence.
func (m *CaptureMetrics) RecordCapture(address byte, outcome string, elapsed time.Duration) {
	addr := addressLabel(address)
	m.Captures.WithLabelValues(addr, outcome).Inc()
	m.Duration.WithLabelValues(addr).Observe(elapsed.Seconds())
}
