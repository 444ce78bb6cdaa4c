package simulate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/ledger"
)

func testSettings(t *testing.T) *conf.Settings {
	t.Helper()
	s, err := conf.Defaults()
	require.NoError(t, err)
	s.Journal.Path = filepath.Join(t.TempDir(), "sim.db")
	s.Scan.Settle = 0
	s.Scan.Interval = 10 * time.Millisecond
	s.Scan.Passage = 10 * time.Millisecond
	s.GPIO.Poll = 5 * time.Millisecond
	s.Sync.Interval = 10 * time.Millisecond
	s.Capture.PollInterval = 5 * time.Millisecond
	s.Telemetry.Enabled = false
	s.Telemetry.Heartbeat = 0
	return s
}

func startFacility(t *testing.T) (*Facility, context.Context) {
	t.Helper()
	f, err := New(testSettings(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, nil, nil) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		f.Close()
	})
	return f, ctx
}

func findActive(f *Facility, floor, slot int) (ledger.Record, bool) {
	for _, r := range f.Central.Service.Active() {
		if r.Floor == floor && r.Slot == slot {
			return r, true
		}
	}
	return ledger.Record{}, false
}

func TestVehicleLifecycle(t *testing.T) {
	f, ctx := startFacility(t)

	require.NoError(t, f.Arrive(ctx, "abc1234", 95))
	require.NoError(t, f.Park(0, 2))

	require.Eventually(t, func() bool {
		r, ok := findActive(f, 0, 2)
		return ok && r.Plate == "ABC1234"
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		b, err := f.Board()
		return err == nil && b.Cars[0] == 1 && b.Free[0].Elderly == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.Leave(0, 2))
	require.Eventually(t, func() bool {
		_, ok := findActive(f, 0, 2)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.Depart(ctx, "ABC1234", 95))
}

func TestUnreadPlateGetsTicket(t *testing.T) {
	f, ctx := startFacility(t)

	require.NoError(t, f.Arrive(ctx, "", 0))
	require.NoError(t, f.Park(0, 4))

	require.Eventually(t, func() bool {
		return len(f.Central.Service.Tickets(true)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	r, ok := findActive(f, 0, 4)
	require.True(t, ok)
	assert.Equal(t, "TEMP0001", r.Plate)
}

func TestConsoleDrivesSimulation(t *testing.T) {
	f, ctx := startFacility(t)
	c := f.Central.Console

	out, err := c.Execute(ctx, "park 1 3")
	require.NoError(t, err)
	assert.Contains(t, out, "occupied")
	require.Eventually(t, func() bool {
		_, ok := findActive(f, 1, 3)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	out, err = c.Execute(ctx, "ramp 2 up")
	require.NoError(t, err)
	assert.Contains(t, out, "up")

	_, err = c.Execute(ctx, "park 1 9")
	require.Error(t, err)
	_, err = c.Execute(ctx, "ramp 0 up")
	require.Error(t, err)

	out, err = c.Execute(ctx, "board")
	require.NoError(t, err)
	assert.Contains(t, out, "floor 1")
}

func TestClosedFacilityRefusesEntrance(t *testing.T) {
	f, ctx := startFacility(t)

	_, err := f.Central.Console.Execute(ctx, "close")
	require.NoError(t, err)
	require.Eventually(t, f.Sites[0].Node.FacilityClosed, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, f.FullLamp, 5*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, f.Arrive(ctx, "XYZ9876", 95), ErrRefused)
}
