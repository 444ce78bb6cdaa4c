package ledger

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/parkctl/internal/logger"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, mutate ...func(*Config)) *Ledger {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	n := 0
	return New(cfg,
		WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("v-%d", n) }))
}

func TestAdmissionConfidenceThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		confidence int
		wantTicket bool
	}{
		{69, true},
		{70, false},
		{100, false},
		{0, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("confidence %d", tt.confidence), func(t *testing.T) {
			t.Parallel()
			l := newTestLedger(t)

			_, err := l.RecordGateCapture(1, "ABC1234", tt.confidence, t0)
			require.NoError(t, err)
			adm, err := l.Admit(0, 1, 2, t0.Add(time.Minute))
			require.NoError(t, err)

			if tt.wantTicket {
				require.NotNil(t, adm.Ticket)
				assert.Equal(t, "TEMP0001", adm.Ticket.Label)
				assert.Equal(t, "TEMP0001", adm.Record.Plate)
				assert.Equal(t, adm.Ticket.ID, adm.Record.TicketID)
				assert.Len(t, l.Tickets(true), 1)
			} else {
				assert.Nil(t, adm.Ticket)
				assert.Equal(t, "ABC1234", adm.Record.Plate)
				assert.Empty(t, l.Tickets(false))
			}
			assert.True(t, adm.Record.Active)
			assert.Equal(t, "v-1", adm.Record.VehicleID)
		})
	}
}

func TestAdmitWithoutCaptureIssuesTicket(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	adm, err := l.Admit(1, 9, 4, t0)
	require.NoError(t, err)
	require.NotNil(t, adm.Ticket)
	assert.Equal(t, 1, adm.Ticket.Floor)
	assert.Equal(t, 4, adm.Ticket.Slot)
}

func TestInvalidPlateRaisesAlertAndTicket(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	alert, err := l.RecordGateCapture(3, "AB12345", 95, t0)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, AlertInvalidPlate, alert.Kind)

	adm, err := l.Admit(0, 3, 1, t0)
	require.NoError(t, err)
	assert.NotNil(t, adm.Ticket)
}

func TestCaptureIsConsumedOnce(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	_, err := l.RecordGateCapture(5, "XYZ1A23", 90, t0)
	require.NoError(t, err)
	assert.Equal(t, 5, l.LastAdmittedID())

	adm, err := l.Admit(2, 5, 7, t0)
	require.NoError(t, err)
	assert.Equal(t, "XYZ1A23", adm.Record.Plate)

	adm, err = l.Admit(1, 5, 1, t0)
	require.NoError(t, err)
	assert.NotNil(t, adm.Ticket, "a second entry under the same id has no capture left")
}

func TestSettlementMatchesMostRecentActive(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	_, err := l.RecordGateCapture(1, "ABC1234", 99, t0)
	require.NoError(t, err)
	_, err = l.Admit(0, 1, 2, t0)
	require.NoError(t, err)

	st, err := l.Settle(0, 1, 2, 4, t0.Add(3*time.Minute+10*time.Second))
	require.NoError(t, err)
	assert.True(t, st.Matched)
	assert.False(t, st.Record.Active)
	assert.Equal(t, 4, st.Record.Minutes)
	assert.Equal(t, 60, st.Record.FeeCents)
	assert.Equal(t, 0.6, st.Record.Fee)
	assert.Equal(t, t0, st.Record.EntryTime)
	assert.Empty(t, l.Active())
}

func TestReusedVehicleIDOnFloorIsToldApartBySlot(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	_, err := l.RecordGateCapture(6, "ABC1234", 95, t0)
	require.NoError(t, err)
	_, err = l.Admit(0, 6, 1, t0)
	require.NoError(t, err)

	_, err = l.Admit(0, 6, 1, t0.Add(time.Second))
	require.ErrorIs(t, err, ErrDuplicateEntry, "the same slot is the same vehicle")

	adm, err := l.Admit(0, 6, 2, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, adm.Alert)
	assert.Equal(t, AlertSystemError, adm.Alert.Kind)
	require.NotNil(t, adm.Ticket, "a reused id gets a ticket, never the cached plate")
	require.Len(t, l.Active(), 2)

	st, err := l.Settle(0, 6, 1, 3, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Record.Slot)
	assert.Equal(t, "ABC1234", st.Record.Plate)
	assert.Equal(t, t0, st.Record.EntryTime)

	st, err = l.Settle(0, 6, 2, 0, t0.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Record.Slot)
	assert.Equal(t, adm.Ticket.Label, st.Record.Plate)
	assert.Equal(t, 3, st.Record.Minutes)
	assert.Empty(t, l.Active())

	_, err = l.Settle(0, 6, 2, 1, t0.Add(5*time.Minute))
	require.ErrorIs(t, err, ErrNoMatchingEntry)
}

func TestSettlementComputesMinutesWhenMissing(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	_, err := l.Admit(1, 2, 3, t0)
	require.NoError(t, err)

	st, err := l.Settle(1, 2, 3, 0, t0.Add(61*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Record.Minutes)
	assert.Equal(t, 0.3, st.Record.Fee)
	assert.Empty(t, l.Tickets(true), "matched exit deactivates the ticket")
}

func TestUnmatchedExitRaisesOneAlert(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	_, err := l.Admit(1, 1, 1, t0)
	require.NoError(t, err)
	before := l.Records()

	st, err := l.Settle(2, 1, 1, 3, t0.Add(time.Hour))
	require.ErrorIs(t, err, ErrNoMatchingEntry)
	assert.False(t, st.Matched)
	require.NotNil(t, st.Alert)
	assert.Equal(t, AlertNoMatchingEntry, st.Alert.Kind)

	alerts := l.Alerts(true)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertNoMatchingEntry, alerts[0].Kind)
	assert.Equal(t, before, l.Records(), "no record may be mutated")
}

func TestCapacityFlagFollowsOccupancy(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	total := l.TotalCapacity()
	require.Equal(t, 20, total)

	for i := 1; i <= total; i++ {
		floor := 0
		if i > 4 {
			floor = 1 + (i-5)/8
		}
		_, err := l.Admit(floor, i, 1, t0)
		require.NoError(t, err)
		c := l.EvaluateCapacity()
		assert.Equal(t, i == total, c.Full, "after %d admissions", i)
	}
	assert.True(t, l.FacilityClosed())

	_, err := l.Admit(0, 99, 1, t0)
	assert.ErrorIs(t, err, ErrRecordTableFull)

	_, err = l.Settle(0, 1, 1, 1, t0.Add(time.Minute))
	require.NoError(t, err)
	c := l.EvaluateCapacity()
	assert.False(t, c.Full)
	assert.False(t, c.FacilityClosed)
}

func TestManualOverride(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	l.ForceClosed(true)
	c := l.EvaluateCapacity()
	assert.True(t, c.FacilityClosed)
	assert.False(t, c.Full)

	l.ForceClosed(false)
	assert.False(t, l.EvaluateCapacity().FacilityClosed)

	require.NoError(t, l.SetFloorClosed(2, true))
	c = l.EvaluateCapacity()
	assert.True(t, c.Full)
	assert.Equal(t, 12, c.Capacity)
	assert.True(t, c.FloorClosed[2])
	assert.True(t, l.FloorClosed(2))

	assert.ErrorIs(t, l.SetFloorClosed(0, true), ErrUnknownFloor)
	assert.ErrorIs(t, l.SetFloorClosed(7, true), ErrUnknownFloor)
}

func TestReconciliationInPlace(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t)
	adm, err := l.Admit(1, 4, 6, t0)
	require.NoError(t, err)
	require.NotNil(t, adm.Ticket)

	tk, rec, err := l.Reconcile(adm.Ticket.ID, "abc-1d23")
	require.NoError(t, err)
	assert.Equal(t, "ABC1D23", tk.ReconciledPlate)
	assert.False(t, tk.Active)
	assert.Equal(t, "ABC1D23", rec.Plate)
	assert.Equal(t, adm.Record.EntryTime, rec.EntryTime)
	assert.Equal(t, adm.Record.VehicleID, rec.VehicleID)
	assert.True(t, rec.Active)

	_, _, err = l.Reconcile(adm.Ticket.ID, "ABC1D23")
	assert.ErrorIs(t, err, ErrTicketNotFound)

	_, _, err = l.Reconcile(99, "ABC1234")
	assert.ErrorIs(t, err, ErrTicketNotFound)

	_, _, err = l.Reconcile(1, "NOPE")
	assert.ErrorIs(t, err, ErrInvalidPlate)
}

func TestTableLimits(t *testing.T) {
	t.Parallel()

	l := newTestLedger(t, func(c *Config) {
		c.MaxTickets = 2
		c.MaxAlerts = 1
	})

	_, err := l.Admit(1, 1, 1, t0)
	require.NoError(t, err)
	_, err = l.Admit(1, 2, 2, t0)
	require.NoError(t, err)

	_, err = l.Admit(1, 3, 3, t0)
	require.ErrorIs(t, err, ErrTicketTableFull)
	assert.Len(t, l.Tickets(false), 2, "tickets are never overwritten")
	assert.Len(t, l.Alerts(true), 1)

	_, err = l.RaiseAlert(AlertSystemError, "x", "test", t0)
	require.ErrorIs(t, err, ErrAlertTableFull)

	_, err = l.ResolveAlert(1)
	require.NoError(t, err)
	_, err = l.RaiseAlert(AlertSystemError, "x", "test", t0)
	require.NoError(t, err)

	_, err = l.ResolveAlert(1)
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestNormalizePlate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ABC1234", NormalizePlate(" abc-1234 "))
	assert.Equal(t, "ABC1D23", NormalizePlate("ＡＢＣ１Ｄ２３"))
	assert.True(t, ValidPlate("abc1d23"))
	assert.False(t, ValidPlate("AB1234"))
	assert.False(t, ValidPlate("ABCD123"))
}
