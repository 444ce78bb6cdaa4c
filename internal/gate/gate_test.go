package gate

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/parkctl/internal/gpio"
	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/lpr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixedCapturer struct {
	res   lpr.Result
	delay chan struct{}
	calls atomic.Int32
}

func (f *fixedCapturer) Capture(ctx context.Context) lpr.Result {
	f.calls.Add(1)
	if f.delay != nil {
		select {
		case <-f.delay:
		case <-ctx.Done():
		}
	}
	return f.res
}

func newTestGate(t *testing.T, capt lpr.Capturer, opts ...Option) (*Controller, *gpio.SimChip) {
	t.Helper()
	chip := gpio.NewSimChip()
	motor, err := chip.Output(23)
	require.NoError(t, err)
	opts = append(opts, WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)))
	return New(Entrance, motor, capt, opts...), chip
}

// drive feeds samples and returns every completed pass.
func drive(t *testing.T, c *Controller, samples ...[2]bool) []Pass {
	t.Helper()
	var out []Pass
	now := time.Date(2026, 1, 2, 7, 0, 0, 0, time.UTC)
	for _, s := range samples {
		now = now.Add(50 * time.Millisecond)
		p, done, err := c.Step(s[0], s[1], now)
		require.NoError(t, err)
		if done {
			out = append(out, p)
		}
	}
	return out
}

func TestAutomaticCycle(t *testing.T) {
	t.Parallel()

	capt := &fixedCapturer{res: lpr.Result{Plate: "ABC1234", Confidence: 90, Outcome: lpr.OutcomeOk}}
	var id int
	c, chip := newTestGate(t, capt, WithVehicleIDs(func() int { id++; return id }))

	drive(t, c, [2]bool{}, [2]bool{true, false})
	assert.Equal(t, Opening, c.State())
	assert.True(t, chip.Level(23), "motor raised on open-sensor edge")

	drive(t, c, [2]bool{false, true})
	assert.Equal(t, PassDetected, c.State())
	assert.True(t, chip.Level(23))

	c.Wait()
	passes := drive(t, c, [2]bool{false, false})
	require.Len(t, passes, 1)
	assert.False(t, chip.Level(23))
	assert.Equal(t, Closed, c.State())

	p := passes[0]
	assert.Equal(t, Entrance, p.Gate)
	assert.Equal(t, 1, p.VehicleID)
	assert.Equal(t, "ABC1234", p.Capture.Plate)
	assert.False(t, p.Manual)
	assert.Equal(t, int32(1), capt.calls.Load())
}

func TestCaptureDoesNotBlockMotor(t *testing.T) {
	t.Parallel()

	capt := &fixedCapturer{delay: make(chan struct{}), res: lpr.Result{Plate: "XYZ1A23", Confidence: 75}}
	c, chip := newTestGate(t, capt)

	drive(t, c, [2]bool{true, false}, [2]bool{false, true})
	passes := drive(t, c, [2]bool{false, false})
	assert.Empty(t, passes, "pass waits for the capture")
	assert.False(t, chip.Level(23), "arm lowered regardless")
	assert.Equal(t, Closing, c.State())

	close(capt.delay)
	c.Wait()
	passes = drive(t, c, [2]bool{false, false})
	require.Len(t, passes, 1)
	assert.Equal(t, "XYZ1A23", passes[0].Capture.Plate)
	assert.Equal(t, Closed, c.State())
}

func TestManualAllowsOneVehicle(t *testing.T) {
	t.Parallel()

	c, chip := newTestGate(t, lpr.Degraded{})

	require.NoError(t, c.RequestManual())
	assert.ErrorIs(t, c.RequestManual(), ErrCycleInFlight)

	drive(t, c, [2]bool{})
	assert.True(t, chip.Level(23))
	assert.ErrorIs(t, c.RequestManual(), ErrCycleInFlight)

	c.Wait()
	passes := drive(t, c, [2]bool{false, true}, [2]bool{false, false})
	require.Len(t, passes, 1)
	assert.True(t, passes[0].Manual)
	assert.False(t, passes[0].Capture.Usable())

	// no second vehicle without a new command
	drive(t, c, [2]bool{})
	assert.False(t, chip.Level(23))
	assert.NoError(t, c.RequestManual())
}

func TestFacilityClosedRefusesEntrance(t *testing.T) {
	t.Parallel()

	var closed atomic.Bool
	c, chip := newTestGate(t, lpr.Degraded{}, WithFacilityClosed(closed.Load))

	require.NoError(t, c.RequestManual())
	closed.Store(true)

	drive(t, c, [2]bool{}, [2]bool{true, false})
	assert.Equal(t, Closed, c.State())
	assert.False(t, chip.Level(23))
	assert.ErrorIs(t, c.RequestManual(), ErrFacilityClosed)

	closed.Store(false)
	drive(t, c, [2]bool{false, false})
	assert.Equal(t, Closed, c.State(), "dropped manual command does not survive reopening")
}

func TestRunWaitsForCapture(t *testing.T) {
	t.Parallel()

	chip := gpio.NewSimChip()
	motor, _ := chip.Output(24)
	openS, _ := chip.Input(12)
	closeS, _ := chip.Input(25)

	capt := &fixedCapturer{res: lpr.Result{Plate: "DEF4567", Confidence: 99}}
	c := New(Exit, motor, capt, WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)))

	ctx, cancel := context.WithCancel(t.Context())
	passes := make(chan Pass, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, Pins{OpenSensor: openS, CloseSensor: closeS, Motor: motor}, time.Millisecond, func(p Pass) { passes <- p })
	}()

	chip.Set(12, true)
	waitFor(t, func() bool { return c.State() == Opening })
	chip.Set(12, false)
	chip.Set(25, true)
	waitFor(t, func() bool { return c.State() == PassDetected })
	chip.Set(25, false)

	select {
	case p := <-passes:
		assert.Equal(t, Exit, p.Gate)
		assert.Equal(t, "DEF4567", p.Capture.Plate)
	case <-time.After(2 * time.Second):
		t.Fatal("no pass reported")
	}
	cancel()
	require.NoError(t, <-done)
	assert.False(t, chip.Level(24))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}
