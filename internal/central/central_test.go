package central

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/parkctl/internal/devices"
	"github.com/tphakala/parkctl/internal/events"
	"github.com/tphakala/parkctl/internal/ledger"
	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/snapshot"
)

type capturePublisher struct {
	mu  sync.Mutex
	got []events.Event
}

func (c *capturePublisher) TryPublish(e events.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, e)
	return true
}

func (c *capturePublisher) kinds() []events.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Kind
	for _, e := range c.got {
		out = append(out, e.Kind)
	}
	return out
}

func (c *capturePublisher) ofKind(k events.Kind) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.got {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func newService(t *testing.T, now *time.Time) (*Service, *capturePublisher) {
	t.Helper()
	quiet := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
	n := 0
	l := ledger.New(ledger.DefaultConfig(),
		ledger.WithLogger(quiet),
		ledger.WithIDGenerator(func() string { n++; return fmt.Sprintf("v%d", n) }))
	pub := &capturePublisher{}
	svc := New(l, time.Hour,
		WithLogger(quiet),
		WithPublisher(pub),
		WithClock(func() time.Time { return *now }))
	return svc, pub
}

var t0 = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

func TestRestartedNodeEventsAreNotTakenForDuplicates(t *testing.T) {
	t.Parallel()

	now := t0
	svc, _ := newService(t, &now)
	ctx := context.Background()

	cmd := svc.HandleReport(ctx, snapshot.NodeReport{Floor: 1, Entry: &snapshot.Event{Seq: 1, VehicleID: 1, Slot: 1}})
	assert.Equal(t, 1, cmd.SeqBase)
	now = now.Add(time.Minute)
	cmd = svc.HandleReport(ctx, snapshot.NodeReport{Floor: 1, Exit: &snapshot.Event{Seq: 2, VehicleID: 1, Slot: 1, Minutes: 1}})
	assert.Equal(t, 2, cmd.SeqBase)
	require.Empty(t, svc.Active())

	// the node restarts: its first exchange carries no events and learns
	// where its sequences continue
	cmd = svc.HandleReport(ctx, snapshot.NodeReport{Floor: 1})
	require.Equal(t, 2, cmd.SeqBase)
	assert.Zero(t, svc.HandleReport(ctx, snapshot.NodeReport{Floor: 2}).SeqBase, "floors are counted apart")

	o := snapshot.NewOutbox(8)
	o.Push(snapshot.KindEntry, snapshot.Event{VehicleID: 1, Slot: 2})
	o.Rebase(cmd.SeqBase)
	var r snapshot.NodeReport
	r.Floor = 1
	o.Fill(&r)
	svc.HandleReport(ctx, r)

	active := svc.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].Slot)
}

func TestResentReportIsNotDoubleCounted(t *testing.T) {
	t.Parallel()

	now := t0
	svc, pub := newService(t, &now)
	ctx := context.Background()

	report := snapshot.NodeReport{
		Floor:    0,
		GatePass: &snapshot.Event{Seq: 1, VehicleID: 1, Confidence: 88, Plate: "ABC1234"},
		Entry:    &snapshot.Event{Seq: 2, VehicleID: 1, Slot: 3},
	}
	cmd := svc.HandleReport(ctx, report)
	assert.Equal(t, 2, cmd.Ack)
	assert.Equal(t, 1, cmd.LastAdmittedID)

	// reply lost, node re-sends the same vector
	cmd = svc.HandleReport(ctx, report)
	assert.Equal(t, 2, cmd.Ack)
	assert.Len(t, svc.Active(), 1)
	assert.Len(t, pub.ofKind(events.KindEntry), 1)

	entry := pub.ofKind(events.KindEntry)[0]
	assert.Equal(t, "ABC1234", entry.Plate)
	assert.Equal(t, 3, entry.Slot)
}

func TestExitSettlesAndPublishesFee(t *testing.T) {
	t.Parallel()

	now := t0
	svc, pub := newService(t, &now)
	ctx := context.Background()

	svc.HandleReport(ctx, snapshot.NodeReport{Floor: 1, Entry: &snapshot.Event{Seq: 1, VehicleID: 4, Slot: 2}})
	now = t0.Add(61 * time.Second)
	svc.HandleReport(ctx, snapshot.NodeReport{Floor: 1, Exit: &snapshot.Event{Seq: 2, VehicleID: 4, Slot: 2, Minutes: 2, FeeCents: 30}})

	exits := pub.ofKind(events.KindExit)
	require.Len(t, exits, 1)
	assert.Equal(t, 2, exits[0].Minutes)
	assert.Equal(t, 30, exits[0].FeeCents)
	assert.Empty(t, svc.Active())
	assert.Len(t, pub.ofKind(events.KindTicket), 1, "no gate capture on floor 1 means a ticket")
}

func TestUnmatchedExitRaisesAlertEvent(t *testing.T) {
	t.Parallel()

	now := t0
	svc, pub := newService(t, &now)
	svc.HandleReport(context.Background(), snapshot.NodeReport{
		Floor: 2, Exit: &snapshot.Event{Seq: 5, VehicleID: 9, Slot: 1, Minutes: 1},
	})

	alerts := pub.ofKind(events.KindAlert)
	require.Len(t, alerts, 1)
	assert.Equal(t, "NoMatchingEntry", alerts[0].Fields["alert_kind"])
	assert.Empty(t, pub.ofKind(events.KindExit))
	assert.Len(t, svc.Alerts(true), 1)
}

func TestPassageAndExitGateAreJournalledOnly(t *testing.T) {
	t.Parallel()

	now := t0
	svc, pub := newService(t, &now)
	ctx := context.Background()

	svc.HandleReport(ctx, snapshot.NodeReport{Floor: 1, Passage: &snapshot.Event{Seq: 1, Direction: 1}})
	svc.HandleReport(ctx, snapshot.NodeReport{Floor: 0, GatePass: &snapshot.Event{Seq: 1, Plate: "XYZ9876", Confidence: 90}})

	passages := pub.ofKind(events.KindPassage)
	require.Len(t, passages, 1)
	assert.Equal(t, "up", passages[0].Detail)

	through := pub.ofKind(events.KindPassThrough)
	require.Len(t, through, 1)
	assert.Equal(t, "XYZ9876", through[0].Plate)
	assert.Equal(t, "exit gate", through[0].Detail)
	assert.Empty(t, svc.Active())
	assert.Equal(t, 0, svc.Ledger().LastAdmittedID())
}

func TestPassageLeavesParkedVehiclesInPlace(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	quiet := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
	svc := New(ledger.New(ledger.DefaultConfig(), ledger.WithLogger(quiet)), time.Hour,
		WithLogger(logger.NewSlogLogger(&buf, logger.LogLevelInfo, time.UTC)),
		WithClock(func() time.Time { return t0 }))
	ctx := context.Background()

	svc.HandleReport(ctx, snapshot.NodeReport{Floor: 1, Entry: &snapshot.Event{Seq: 1, VehicleID: 4, Slot: 3}})
	before := svc.Active()
	require.Len(t, before, 1)

	svc.HandleReport(logger.WithTraceID(ctx, "10.0.0.11:4100/2"),
		snapshot.NodeReport{Floor: 1, Passage: &snapshot.Event{Seq: 2, Direction: 1}})
	svc.HandleReport(ctx, snapshot.NodeReport{Floor: 2, Passage: &snapshot.Event{Seq: 1, Direction: -1}})

	assert.Equal(t, before, svc.Active(), "a passage moves no record between floors")
	assert.Equal(t, 1, svc.Capacity().Active)

	var up, down string
	for line := range strings.SplitSeq(buf.String(), "\n") {
		switch {
		case strings.Contains(line, "direction=up"):
			up = line
		case strings.Contains(line, "direction=down"):
			down = line
		}
	}
	assert.Contains(t, up, "trace_id=10.0.0.11:4100/2")
	require.NotEmpty(t, down)
	assert.NotContains(t, down, "trace_id")
}

func TestGroundCommandCarriesBoard(t *testing.T) {
	t.Parallel()

	now := t0
	svc, _ := newService(t, &now)
	ctx := context.Background()

	svc.HandleReport(ctx, snapshot.NodeReport{Floor: 1, Available: [3]int{1, 2, 3}, Occupied: 2})
	require.NoError(t, svc.SetFloorClosed(2, true))

	cmd := svc.HandleReport(ctx, snapshot.NodeReport{Floor: 0, Available: [3]int{0, 1, 2}, Occupied: 1})
	require.Len(t, cmd.Board, devices.BoardWords)
	assert.True(t, cmd.BoardUpdate)
	assert.True(t, cmd.Floor2Closed)
	assert.True(t, cmd.FacilityClosed)

	b := devices.BoardFromWords(cmd.Board)
	assert.Equal(t, devices.Free{PCD: 0, Elderly: 1, Regular: 2}, b.Free[0])
	assert.Equal(t, devices.Free{PCD: 1, Elderly: 2, Regular: 3}, b.Free[1])
	assert.Equal(t, 2, b.Cars[1])
	assert.Equal(t, devices.FlagFacilityFull|devices.FlagFloor2Closed, b.Flags)

	cmd = svc.HandleReport(ctx, snapshot.NodeReport{Floor: 0, Available: [3]int{0, 1, 2}, Occupied: 1})
	assert.False(t, cmd.BoardUpdate, "unchanged board is not rewritten")

	now = now.Add(boardRefresh)
	cmd = svc.HandleReport(ctx, snapshot.NodeReport{Floor: 0, Available: [3]int{0, 1, 2}, Occupied: 1})
	assert.True(t, cmd.BoardUpdate, "periodic refresh")

	upper := svc.HandleReport(ctx, snapshot.NodeReport{Floor: 1})
	assert.Nil(t, upper.Board)
}

func TestCapacityEventsOnChange(t *testing.T) {
	t.Parallel()

	now := t0
	svc, pub := newService(t, &now)
	require.Len(t, pub.ofKind(events.KindCapacity), 1, "initial state is published")

	svc.SetFacilityClosed(true)
	svc.SetFacilityClosed(true)
	svc.SetFacilityClosed(false)

	caps := pub.ofKind(events.KindCapacity)
	require.Len(t, caps, 3)
	assert.Equal(t, "closed", caps[1].Detail)
	assert.Equal(t, "open", caps[2].Detail)
	assert.Contains(t, pub.kinds(), events.KindAdmin)
}

func TestNodeHealth(t *testing.T) {
	t.Parallel()

	now := t0
	svc, _ := newService(t, &now)
	require.NoError(t, svc.NodeHealth(time.Minute))

	svc.HandleReport(context.Background(), snapshot.NodeReport{Floor: 2})
	now = now.Add(2 * time.Minute)
	err := svc.NodeHealth(time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floor 2")
}
