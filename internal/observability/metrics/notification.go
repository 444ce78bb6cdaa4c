package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// NotificationMetrics observes operator alert delivery.
type NotificationMetrics struct {
	group
	Deliveries *prometheus.CounterVec
	Throttled  *prometheus.CounterVec
}

// NewNotificationMetrics creates and registers the notification collectors.
func NewNotificationMetrics(registry prometheus.Registerer) (*NotificationMetrics, error) {
	m := &NotificationMetrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "notification_deliveries_total",
			Help:      "Notification sends by alert kind and status",
		}, []string{"kind", "status"}),
		Throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "notification_throttled_total",
			Help:      "Notifications skipped by the per-kind rate limit",
		}, []string{"kind"}),
	}
	m.group = group{m.Deliveries, m.Throttled}
	if err := register(registry, "notification", m); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDelivery counts one send.
func (m *NotificationMetrics) RecordDelivery(kind string, err error) {
	m.Deliveries.WithLabelValues(kind, status(err)).Inc()
}

// RecordThrottled counts a rate limited notification.
func (m *NotificationMetrics) RecordThrottled(kind string) { m.Throttled.WithLabelValues(kind).Inc() }
