package observability

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/parkctl/internal/fieldbus"
	"github.com/tphakala/parkctl/internal/gate"
	"github.com/tphakala/parkctl/internal/lpr"
	"github.com/tphakala/parkctl/internal/observability/metrics"
	"github.com/tphakala/parkctl/internal/occupancy"
	"github.com/tphakala/parkctl/internal/snapshot"
)

// The collectors must satisfy the recorder interfaces of the packages they observe.
var (
	_ fieldbus.Recorder     = (*metrics.FieldBusMetrics)(nil)
	_ lpr.Recorder          = (*metrics.CaptureMetrics)(nil)
	_ occupancy.Recorder    = (*metrics.NodeMetrics)(nil)
	_ gate.Recorder         = (*metrics.NodeMetrics)(nil)
	_ snapshot.SyncRecorder = (*metrics.NodeMetrics)(nil)
)

func TestNewMetricsIsolated(t *testing.T) {
	t.Parallel()

	// separate registries never collide
	a, err := NewMetrics()
	require.NoError(t, err)
	b, err := NewMetrics()
	require.NoError(t, err)

	a.FieldBus.RecordTransaction(0x11, 0x03, 2, 30*time.Millisecond, nil)
	a.FieldBus.RecordAttemptFailure(0x11, "timeout")
	a.Ledger.RecordSettlement(true, 60)
	a.Ledger.RecordSettlement(true, 15)

	assert.InDelta(t, 1, testutil.ToFloat64(a.FieldBus.Transactions.WithLabelValues("0x11", "0x03", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(a.FieldBus.AttemptFailures.WithLabelValues("0x11", "timeout")), 0)
	assert.InDelta(t, 75, testutil.ToFloat64(a.Ledger.RevenueCents), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(b.Ledger.RevenueCents), 0)
}

func TestNodeMetricsDegradedGauge(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)
	m.Node.RecordDegraded(2, true)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Node.Degraded.WithLabelValues("2")), 0)
	m.Node.RecordDegraded(2, false)
	assert.InDelta(t, 0, testutil.ToFloat64(m.Node.Degraded.WithLabelValues("2")), 0)

	m.Node.RecordExchange(1, errors.New("refused"), time.Second)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Node.Exchanges.WithLabelValues("1", "error")), 0)
}

func TestEndpointRoutes(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)
	m.Ledger.SetCapacity(20, 20, true)
	ep := NewEndpoint(m)

	rec := httptest.NewRecorder()
	ep.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "parkctl_ledger_facility_closed 1")

	rec = httptest.NewRecorder()
	ep.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ep.AddCheck("journal", func() error { return errors.New("disk full") })
	ep.AddCheck("sync", func() error { return nil })
	rec = httptest.NewRecorder()
	ep.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "disk full", body.Checks["journal"])
	assert.Equal(t, "ok", body.Checks["sync"])
}
