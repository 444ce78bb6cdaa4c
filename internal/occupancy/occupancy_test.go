package occupancy

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/parkctl/internal/gpio"
	"github.com/tphakala/parkctl/internal/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func quietLog() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

func newFloorTracker(clk *manualClock) *Tracker {
	return NewTracker(1, Layout(1, 2, 5), 0.15, &Counter{},
		WithClock(clk.now), WithLogger(quietLog()))
}

func vec(n int, occupied ...int) []bool {
	v := make([]bool, n)
	for _, s := range occupied {
		v[s-1] = true
	}
	return v
}

func TestBilledMinutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 1},
		{time.Second, 1},
		{60 * time.Second, 1},
		{61 * time.Second, 2},
		{3*time.Minute + 10*time.Second, 4},
		{2 * time.Hour, 120},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BilledMinutes(tt.elapsed), "elapsed %s", tt.elapsed)
	}
}

func TestFeeIsExact(t *testing.T) {
	t.Parallel()

	minutes, cents, fee := Fee(61*time.Second, 0.15)
	assert.Equal(t, 2, minutes)
	assert.Equal(t, 30, cents)
	assert.Equal(t, 0.3, fee)

	_, _, fee = Fee(0, 0.15)
	assert.Equal(t, 0.15, fee)
}

func TestInferFromDelta(t *testing.T) {
	t.Parallel()

	const n = 8
	for slot := 1; slot <= n; slot++ {
		before := vec(n, 3, 7)
		if slot == 3 || slot == 7 {
			continue
		}
		after := vec(n, 3, 7, slot)

		tr, ok := InferFromDelta(Weigh(before), Weigh(after), n)
		require.True(t, ok)
		assert.Equal(t, Transition{Slot: slot, Direction: Entered}, tr)

		tr, ok = InferFromDelta(Weigh(after), Weigh(before), n)
		require.True(t, ok)
		assert.Equal(t, Transition{Slot: slot, Direction: Vacated}, tr)
	}

	_, ok := InferFromDelta(WeightSum{Sum: 5}, WeightSum{Sum: 5}, n)
	assert.False(t, ok)
}

func TestReconcileFlagsAliasing(t *testing.T) {
	t.Parallel()

	// slot 1 leaves and slot 3 arrives: delta -2 would wrongly blame slot 2
	prev := vec(4, 1)
	cur := vec(4, 3)
	trs, aliased := Reconcile(prev, cur)

	assert.True(t, aliased)
	assert.ElementsMatch(t, []Transition{{1, Vacated}, {3, Entered}}, trs)

	trs, aliased = Reconcile(vec(4), vec(4, 2))
	assert.False(t, aliased)
	assert.Equal(t, []Transition{{2, Entered}}, trs)
}

func TestSlotTwoEndToEnd(t *testing.T) {
	t.Parallel()

	clk := &manualClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	tr := newFloorTracker(clk)

	events, err := tr.Apply(vec(8))
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = tr.Apply(vec(8, 2))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventEntry, events[0].Kind)
	assert.Equal(t, 2, events[0].Slot)
	assert.Equal(t, 1, events[0].VehicleID)
	assert.Equal(t, CategoryElderly, events[0].Category)

	clk.advance(3*time.Minute + 10*time.Second)
	events, err = tr.Apply(vec(8))
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, EventExit, ev.Kind)
	assert.Equal(t, 2, ev.Slot)
	assert.Equal(t, 1, ev.VehicleID)
	assert.Equal(t, 4, ev.Minutes)
	assert.Equal(t, 60, ev.FeeCents)
	assert.Equal(t, 0.6, ev.Fee)
	assert.Zero(t, tr.Aliasing())
}

func TestClosedFloorSuppressesEntries(t *testing.T) {
	t.Parallel()

	clk := &manualClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	tr := newFloorTracker(clk)

	_, err := tr.Apply(vec(8, 1))
	require.NoError(t, err)

	tr.SetClosed(true)
	events, err := tr.Apply(vec(8, 1, 4))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.False(t, tr.Slots()[3].Occupied)
	assert.Equal(t, 1, tr.Occupied())

	// existing occupants may still leave
	events, err = tr.Apply(vec(8, 4))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventExit, events[0].Kind)

	tr.SetClosed(false)
	events, err = tr.Apply(vec(8, 4))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 4, events[0].Slot)
}

func TestAvailableByCategory(t *testing.T) {
	t.Parallel()

	clk := &manualClock{t: time.Now()}
	tr := newFloorTracker(clk)
	_, err := tr.Apply(vec(8, 1, 3))
	require.NoError(t, err)

	assert.Equal(t, Available{PCD: 0, Elderly: 1, Regular: 5}, tr.Available())
}

func TestApplyRejectsWrongWidth(t *testing.T) {
	t.Parallel()

	tr := newFloorTracker(&manualClock{})
	_, err := tr.Apply(vec(4))
	assert.Error(t, err)
}

func TestCentralIDSource(t *testing.T) {
	t.Parallel()

	ids := &CentralID{}
	ids.Set(42)
	tr := NewTracker(2, Layout(1, 2, 5), 0.15, ids, WithLogger(quietLog()))
	events, err := tr.Apply(vec(8, 5))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 42, events[0].VehicleID)
}

func TestIssuedDoesNotAdvance(t *testing.T) {
	t.Parallel()

	c := &Counter{}
	assert.Equal(t, 1, c.NextVehicleID())
	assert.Equal(t, 2, c.NextVehicleID())

	tr := NewTracker(0, Layout(1, 1, 2), 0.15, Issued{C: c}, WithLogger(quietLog()))
	events, err := tr.Apply(vec(4, 2))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].VehicleID)
	assert.Equal(t, 2, c.Last())
}

func TestMuxScannerWithSimulatedPins(t *testing.T) {
	t.Parallel()

	chip := gpio.NewSimChip()
	mux := gpio.NewSimMux(chip, []int{17, 18}, 8, 4)
	bus, err := gpio.NewBus(chip, []int{17, 18})
	require.NoError(t, err)
	sense, err := chip.Input(8)
	require.NoError(t, err)

	sc, err := NewMuxScanner(bus, sense, 4, 0)
	require.NoError(t, err)

	mux.Park(1, true)
	mux.Park(3, true)
	got, err := sc.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, vec(4, 2, 4), got)

	_, err = NewMuxScanner(bus, sense, 5, 0)
	assert.Error(t, err)
}

func TestTrackerRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	chip := gpio.NewSimChip()
	mux := gpio.NewSimMux(chip, []int{17, 18}, 8, 4)
	bus, err := gpio.NewBus(chip, []int{17, 18})
	require.NoError(t, err)
	sense, err := chip.Input(8)
	require.NoError(t, err)
	sc, err := NewMuxScanner(bus, sense, 4, 0)
	require.NoError(t, err)

	tr := NewTracker(0, Layout(1, 1, 2), 0.15, &Counter{}, WithLogger(quietLog()))
	mux.Park(0, true)

	got := make(chan Event, 4)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, sc, time.Millisecond, func(ev Event) { got <- ev }) }()

	select {
	case ev := <-got:
		assert.Equal(t, 1, ev.Slot)
	case <-time.After(2 * time.Second):
		t.Fatal("no entry event")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestPassageDetector(t *testing.T) {
	t.Parallel()

	now := time.Now()
	type sample struct{ s1, s2 bool }

	run := func(closed bool, samples ...sample) []Passage {
		d := NewPassageDetector(1)
		var out []Passage
		for _, s := range samples {
			if p, ok := d.Step(s.s1, s.s2, closed, now); ok {
				out = append(out, p)
			}
		}
		return out
	}

	up := run(false, sample{}, sample{true, false}, sample{true, true}, sample{true, true}, sample{false, true}, sample{})
	require.Len(t, up, 1)
	assert.Equal(t, PassageUp, up[0].Direction)
	assert.False(t, up[0].Blocked)

	down := run(false, sample{}, sample{false, true}, sample{true, true}, sample{true, false}, sample{})
	require.Len(t, down, 1)
	assert.Equal(t, PassageDown, down[0].Direction)

	blocked := run(true, sample{}, sample{true, false}, sample{true, true}, sample{})
	require.Len(t, blocked, 1)
	assert.True(t, blocked[0].Blocked)

	twice := run(false,
		sample{true, false}, sample{true, true}, sample{},
		sample{true, false}, sample{true, true}, sample{})
	assert.Len(t, twice, 2)

	none := run(false, sample{true, false}, sample{}, sample{false, false})
	assert.Empty(t, none)
}
