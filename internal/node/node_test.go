package node

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/parkctl/internal/central"
	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/devices"
	"github.com/tphakala/parkctl/internal/gate"
	"github.com/tphakala/parkctl/internal/gpio"
	"github.com/tphakala/parkctl/internal/ledger"
	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/lpr"
	"github.com/tphakala/parkctl/internal/mqtt"
	"github.com/tphakala/parkctl/internal/occupancy"
	"github.com/tphakala/parkctl/internal/snapshot"
)

func quiet() logger.Logger {
	return logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
}

type fakeSyncer struct{ degraded atomic.Bool }

func (f *fakeSyncer) Run(ctx context.Context, _ func() (snapshot.NodeReport, []int), _ func(snapshot.Command, []int)) error {
	<-ctx.Done()
	return nil
}

func (f *fakeSyncer) Degraded() bool { return f.degraded.Load() }

type staticScanner struct{ vec []bool }

func (s staticScanner) Scan(context.Context) ([]bool, error) { return s.vec, nil }

type recordingBoard struct {
	mu     sync.Mutex
	writes [][]uint16
	err    error
}

func (b *recordingBoard) WriteWords(_ context.Context, w []uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, w)
	return b.err
}

func (b *recordingBoard) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.writes)
}

type countingRecorder struct{ n atomic.Int32 }

func (c *countingRecorder) RecordBoardError() { c.n.Add(1) }

func upperNode(t *testing.T, floor int) (*Node, *occupancy.CentralID) {
	t.Helper()
	ids := &occupancy.CentralID{}
	tr := occupancy.NewTracker(floor, occupancy.Layout(1, 2, 5), 0.15, ids, occupancy.WithLogger(quiet()))
	n := New(Config{Name: "floor", Floor: floor}, tr, staticScanner{vec: make([]bool, 8)}, &fakeSyncer{},
		WithCentralID(ids), WithLogger(quiet()))
	n.Apply(snapshot.Command{}, nil)
	return n, ids
}

func groundNode(t *testing.T, opts ...Option) (*Node, *occupancy.Counter) {
	t.Helper()
	counter := &occupancy.Counter{}
	tr := occupancy.NewTracker(0, occupancy.Layout(1, 1, 2), 0.15, occupancy.Issued{C: counter}, occupancy.WithLogger(quiet()))
	n := New(Config{Name: "ground"}, tr, staticScanner{vec: make([]bool, 4)}, &fakeSyncer{},
		append([]Option{WithLogger(quiet()), WithCounter(counter)}, opts...)...)
	n.Apply(snapshot.Command{}, nil)
	return n, counter
}

func TestRestartedNodeResumesAboveCentralSequence(t *testing.T) {
	t.Parallel()
	counter := &occupancy.Counter{}
	tr := occupancy.NewTracker(0, occupancy.Layout(1, 1, 2), 0.15, occupancy.Issued{C: counter}, occupancy.WithLogger(quiet()))
	n := New(Config{Name: "ground"}, tr, staticScanner{vec: make([]bool, 4)}, &fakeSyncer{},
		WithLogger(quiet()), WithCounter(counter))

	n.onSlotEvent(occupancy.Event{Kind: occupancy.EventEntry, Slot: 2, VehicleID: 1})
	r, sent := n.Report()
	assert.Nil(t, r.Entry, "no events before the first command")
	assert.Empty(t, sent)

	n.Apply(snapshot.Command{SeqBase: 40, LastAdmittedID: 17}, sent)
	assert.Equal(t, 18, counter.NextVehicleID(), "ids continue after the central's last admitted id")

	r, _ = n.Report()
	require.NotNil(t, r.Entry)
	assert.Equal(t, 41, r.Entry.Seq)

	n.Apply(snapshot.Command{SeqBase: 90, LastAdmittedID: 3}, nil)
	r, _ = n.Report()
	assert.Equal(t, 41, r.Entry.Seq, "only the first command rebases")
	assert.Equal(t, 19, counter.NextVehicleID(), "the counter never moves back")
}

func TestEventsHeldUntilEchoed(t *testing.T) {
	t.Parallel()
	n, _ := upperNode(t, 1)

	n.onSlotEvent(occupancy.Event{Kind: occupancy.EventEntry, Slot: 3, VehicleID: 7})
	n.onPassage(occupancy.Passage{Direction: occupancy.PassageUp})

	r, sent := n.Report()
	require.NotNil(t, r.Entry)
	require.NotNil(t, r.Passage)
	assert.Equal(t, 3, r.Entry.Slot)
	assert.Len(t, sent, 2)

	n.Apply(snapshot.Command{Ack: 0}, sent)
	assert.Equal(t, 2, n.Pending(), "events stay until the central echoes them")

	r2, sent2 := n.Report()
	assert.Equal(t, r.Entry.Seq, r2.Entry.Seq, "the same event is resent")
	n.Apply(snapshot.Command{Ack: r2.MaxSeq()}, sent2)
	assert.Zero(t, n.Pending())
}

func TestApplyAdoptsCentralState(t *testing.T) {
	t.Parallel()
	n, ids := upperNode(t, 2)

	n.Apply(snapshot.Command{LastAdmittedID: 41, FacilityClosed: true, Floor2Closed: true}, nil)
	assert.Equal(t, 41, ids.NextVehicleID())
	assert.True(t, n.FacilityClosed())
	assert.True(t, n.tracker.Closed())

	r, _ := n.Report()
	assert.True(t, r.FloorClosed)

	n.Apply(snapshot.Command{LastAdmittedID: 42, Floor1Closed: true}, nil)
	assert.False(t, n.tracker.Closed(), "floor 1 closure does not close floor 2")
	assert.False(t, n.FacilityClosed())
}

func TestUpperFloorLampFollowsClosure(t *testing.T) {
	t.Parallel()
	chip := gpio.NewSimChip()
	lamp, err := chip.Output(14)
	require.NoError(t, err)
	ids := &occupancy.CentralID{}
	tr := occupancy.NewTracker(2, occupancy.Layout(1, 2, 5), 0.15, ids, occupancy.WithLogger(quiet()))
	n := New(Config{Name: "floor", Floor: 2}, tr, staticScanner{vec: make([]bool, 8)}, &fakeSyncer{},
		WithCentralID(ids), WithFullLamp(lamp), WithLogger(quiet()))

	n.Apply(snapshot.Command{Floor2Closed: true}, nil)
	assert.True(t, chip.Level(14))
	n.Apply(snapshot.Command{Floor1Closed: true}, nil)
	assert.False(t, chip.Level(14))
	n.Apply(snapshot.Command{FacilityClosed: true}, nil)
	assert.True(t, chip.Level(14))
}

func TestEntrancePlateFollowsVehicleToSlot(t *testing.T) {
	t.Parallel()
	n, counter := groundNode(t)

	id := counter.NextVehicleID()
	n.onPass(gate.Pass{Gate: gate.Entrance, VehicleID: id, Capture: lpr.Result{Plate: "ABC1234", Confidence: 91}})

	evs, err := n.tracker.Apply([]bool{false, true, false, false})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, id, evs[0].VehicleID)
	n.onSlotEvent(evs[0])

	slot := n.tracker.Slots()[1]
	assert.Equal(t, "ABC1234", slot.Plate)
	assert.Equal(t, 91, slot.Confidence)

	r, _ := n.Report()
	require.NotNil(t, r.GatePass)
	assert.Equal(t, "ABC1234", r.GatePass.Plate)
	assert.Equal(t, id, r.GatePass.VehicleID)
	require.NotNil(t, r.Entry)
	assert.Equal(t, 2, r.Entry.Slot)
}

func TestExitGatePassCarriesNoVehicleID(t *testing.T) {
	t.Parallel()
	n, _ := groundNode(t)

	n.onPass(gate.Pass{Gate: gate.Exit, VehicleID: 5, Capture: lpr.Result{Plate: "XYZ9876", Confidence: 80}})
	r, _ := n.Report()
	require.NotNil(t, r.GatePass)
	assert.Zero(t, r.GatePass.VehicleID)
	assert.Equal(t, "XYZ9876", r.GatePass.Plate)
}

func TestHeldCapturesArePruned(t *testing.T) {
	t.Parallel()
	n, _ := groundNode(t)

	for id := 1; id <= maxHeldCaptures+10; id++ {
		n.onPass(gate.Pass{Gate: gate.Entrance, VehicleID: id, Capture: lpr.Result{Plate: "P", Confidence: 90}})
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Len(t, n.captures, maxHeldCaptures)
	_, ok := n.captures[1]
	assert.False(t, ok)
}

func TestManualGateRequests(t *testing.T) {
	t.Parallel()
	chip := gpio.NewSimChip()
	motor, err := chip.Output(23)
	require.NoError(t, err)

	closed := false
	entrance := &Gate{Controller: gate.New(gate.Entrance, motor, lpr.Degraded{},
		gate.WithLogger(quiet()), gate.WithFacilityClosed(func() bool { return closed }))}
	exit := &Gate{Controller: gate.New(gate.Exit, motor, lpr.Degraded{}, gate.WithLogger(quiet()))}
	n, _ := groundNode(t, WithGates(entrance, exit))

	n.Apply(snapshot.Command{ManualEntry: true}, nil)
	assert.ErrorIs(t, entrance.Controller.RequestManual(), gate.ErrCycleInFlight, "first request is pending")
	assert.NoError(t, exit.Controller.RequestManual(), "exit was not asked")

	closed = true
	other := gate.New(gate.Entrance, motor, lpr.Degraded{}, gate.WithLogger(quiet()),
		gate.WithFacilityClosed(func() bool { return closed }))
	n2, _ := groundNode(t, WithGates(&Gate{Controller: other}, nil))
	n2.Apply(snapshot.Command{ManualEntry: true}, nil)
	assert.ErrorIs(t, other.RequestManual(), gate.ErrFacilityClosed)
}

func TestBoardKeepsLatestWords(t *testing.T) {
	defer goleak.VerifyNone(t)

	board := &recordingBoard{}
	n, _ := groundNode(t, WithBoard(board))

	first := devices.Board{Free: [3]devices.Free{{Regular: 2}}}.Words()
	latest := devices.Board{Free: [3]devices.Free{{Regular: 1}}, Flags: devices.FlagFacilityFull}.Words()
	n.Apply(snapshot.Command{Board: first, BoardUpdate: true}, nil)
	n.Apply(snapshot.Command{Board: latest, BoardUpdate: true}, nil)
	n.Apply(snapshot.Command{Board: first, BoardUpdate: false}, nil)
	n.Apply(snapshot.Command{Board: first[:5], BoardUpdate: true}, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- n.runBoard(ctx) }()

	require.Eventually(t, func() bool { return board.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, latest, board.writes[0])
}

func TestBoardFailuresAreCounted(t *testing.T) {
	defer goleak.VerifyNone(t)

	board := &recordingBoard{err: errors.New("no reply")}
	rec := &countingRecorder{}
	n, _ := groundNode(t, WithBoard(board), WithBoardRecorder(rec))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- n.runBoard(ctx) }()

	words := devices.Board{}.Words()
	for i := range 3 {
		n.queueBoard(words)
		require.Eventually(t, func() bool { return rec.n.Load() == int32(i+1) }, time.Second, 5*time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 3, board.count())
	assert.Equal(t, uint64(3), n.boardErrors.Load())
}

func TestSyncHealthFollowsLink(t *testing.T) {
	t.Parallel()
	n, _ := upperNode(t, 1)
	assert.NoError(t, n.SyncHealth())
	n.link.(*fakeSyncer).degraded.Store(true)
	assert.ErrorIs(t, n.SyncHealth(), ErrSyncDegraded)
}

type capturedHeartbeats struct {
	mu  sync.Mutex
	got []mqtt.HeartbeatDTO
}

func (c *capturedHeartbeats) PublishHeartbeat(_ context.Context, hb mqtt.HeartbeatDTO) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, hb)
	return nil
}

func (c *capturedHeartbeats) last() (mqtt.HeartbeatDTO, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.got) == 0 {
		return mqtt.HeartbeatDTO{}, false
	}
	return c.got[len(c.got)-1], true
}

func TestHeartbeatCarriesNodeState(t *testing.T) {
	t.Parallel()
	hb := &capturedHeartbeats{}
	stats := func(context.Context) mqtt.HeartbeatDTO { return mqtt.HeartbeatDTO{CPU: 12.5, Disk: 40} }

	ids := &occupancy.CentralID{}
	tr := occupancy.NewTracker(1, occupancy.Layout(1, 2, 5), 0.15, ids, occupancy.WithLogger(quiet()))
	_, err := tr.Apply([]bool{true, true, false, false, false, false, false, false})
	require.NoError(t, err)
	n := New(Config{Name: "floor-1", Floor: 1, Heartbeat: 10 * time.Millisecond}, tr,
		staticScanner{vec: make([]bool, 8)}, &fakeSyncer{}, WithHeartbeat(hb, stats), WithLogger(quiet()))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = n.runHeartbeat(ctx) }()

	require.Eventually(t, func() bool { _, ok := hb.last(); return ok }, time.Second, 5*time.Millisecond)
	got, _ := hb.last()
	assert.Equal(t, "floor-1", got.Node)
	assert.Equal(t, 1, got.Floor)
	assert.Equal(t, 2, got.Occupied)
	assert.InDelta(t, 12.5, got.CPU, 0.001)
	assert.InDelta(t, 40.0, got.Disk, 0.001)
	assert.False(t, got.Degraded)
}

func simSettings(t *testing.T, floor int, centralAddr string) *conf.Settings {
	t.Helper()
	s, err := conf.Defaults()
	require.NoError(t, err)
	s.Node.Name = "test-floor"
	s.Node.Floor = floor
	s.GPIO.Simulate = true
	s.GPIO.Address = []int{17, 18, 4}
	s.Scan.Settle = 0
	s.Scan.Interval = 10 * time.Millisecond
	s.Sync.Central = centralAddr
	s.Sync.Interval = 10 * time.Millisecond
	s.Telemetry.Heartbeat = 0
	return s
}

func TestBuildRejectsUnknownFloor(t *testing.T) {
	t.Parallel()
	s := simSettings(t, 7, "127.0.0.1:1")
	_, err := Build(s, Hardware{Chip: gpio.NewSimChip()}, BuildOptions{Logger: quiet()})
	require.Error(t, err)
}

func TestBuildRejectsShortAddressBus(t *testing.T) {
	t.Parallel()
	s := simSettings(t, 1, "127.0.0.1:1")
	s.GPIO.Address = []int{17, 18}
	_, err := Build(s, Hardware{Chip: gpio.NewSimChip()}, BuildOptions{Logger: quiet()})
	require.Error(t, err)
}

func TestUpperFloorReportsParkingToCentral(t *testing.T) {
	t.Parallel()
	svc := central.New(ledger.New(ledger.DefaultConfig(), ledger.WithLogger(quiet())), time.Minute,
		central.WithLogger(quiet()))
	srv := snapshot.NewServer(svc, time.Second, quiet())
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(t.Context())
	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.Serve(ctx) }()

	s := simSettings(t, 1, srv.Addr().String())
	chip := gpio.NewSimChip()
	mux := gpio.NewSimMux(chip, s.GPIO.Address, s.GPIO.Sense, 8)
	n, err := Build(s, Hardware{Chip: chip}, BuildOptions{
		Logger:   quiet(),
		Snapshot: []snapshot.ClientOption{snapshot.WithClientLogger(quiet())},
	})
	require.NoError(t, err)

	nodeDone := make(chan error, 1)
	go func() { nodeDone <- n.Run(ctx) }()

	mux.Park(2, true)
	require.Eventually(t, func() bool {
		for _, r := range svc.Active() {
			if r.Floor == 1 && r.Slot == 3 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return n.Pending() == 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, svc.SetFloorClosed(1, true))
	require.Eventually(t, n.tracker.Closed, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-nodeDone)
	require.NoError(t, <-srvDone)
}
