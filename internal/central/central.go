// Package central runs the central controller: it applies node reports to
// the ledger, derives closure flags and the sign board, and answers each
// report with a command vector.
package central

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/tphakala/parkctl/internal/devices"
	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/events"
	"github.com/tphakala/parkctl/internal/gate"
	"github.com/tphakala/parkctl/internal/ledger"
	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/snapshot"
)

// Publisher accepts events without blocking; *events.Bus implements it.
type Publisher interface {
	TryPublish(e events.Event) bool
}

// Recorder receives ledger metrics; *metrics.LedgerMetrics implements it.
type Recorder interface {
	SetCapacity(active, capacity int, closed bool)
	SetTables(pendingTickets, openAlerts int)
	RecordAdmission(ticketed bool)
	RecordSettlement(matched bool, feeCents int)
	RecordAlert(kind string)
	RecordDuplicate()
}

// boardRefresh forces a sign-board rewrite even when nothing changed.
const boardRefresh = 30 * time.Second

// Service is the central controller state around the ledger.
type Service struct {
	ledger   *ledger.Ledger
	dedup    *snapshot.Deduper
	pub      Publisher
	recorder Recorder
	now      func() time.Time
	log      logger.Logger

	mu           sync.Mutex
	reports      map[int]snapshot.NodeReport
	lastSeen     map[int]time.Time
	lastSeq      map[int]int // highest event sequence seen per floor
	manualEntry  bool
	manualExit   bool
	lastBoard    []uint16
	lastBoardAt  time.Time
	lastClosed   bool
	closedPublic bool
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option { return func(s *Service) { s.pub = p } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the module logger.
func WithLogger(l logger.Logger) Option { return func(s *Service) { s.log = l } }

// New wraps l. dedupTTL bounds how long applied event keys are remembered.
func New(l *ledger.Ledger, dedupTTL time.Duration, opts ...Option) *Service {
	s := &Service{
		ledger:   l,
		dedup:    snapshot.NewDeduper(dedupTTL),
		now:      time.Now,
		log:      logger.Global().Module("central"),
		reports:  make(map[int]snapshot.NodeReport),
		lastSeen: make(map[int]time.Time),
		lastSeq:  make(map[int]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.refreshCapacity()
	return s
}

// Ledger exposes the wrapped ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// HandleReport implements snapshot.Handler. Lines logged while applying the
// report carry the trace id the snapshot server put in ctx.
func (s *Service) HandleReport(ctx context.Context, r snapshot.NodeReport) snapshot.Command {
	at := s.now()
	log := s.log.WithContext(ctx)

	s.mu.Lock()
	s.reports[r.Floor] = r
	s.lastSeen[r.Floor] = at
	s.lastSeq[r.Floor] = max(s.lastSeq[r.Floor], r.MaxSeq())
	seqBase := s.lastSeq[r.Floor]
	s.mu.Unlock()

	if e := r.GatePass; e != nil && s.first(log, r.Floor, snapshot.KindGatePass, e) {
		s.applyGatePass(log, r.Floor, e, at)
	}
	if e := r.Entry; e != nil && s.first(log, r.Floor, snapshot.KindEntry, e) {
		s.applyEntry(log, r.Floor, e, at)
	}
	if e := r.Exit; e != nil && s.first(log, r.Floor, snapshot.KindExit, e) {
		s.applyExit(log, r.Floor, e, at)
	}
	if e := r.Passage; e != nil && s.first(log, r.Floor, snapshot.KindPassage, e) {
		s.applyPassage(log, r.Floor, e, at)
	}

	capacity := s.refreshCapacity()
	cmd := s.command(r, capacity, at)
	cmd.SeqBase = seqBase
	return cmd
}

func (s *Service) first(log logger.Logger, floor int, kind snapshot.EventKind, e *snapshot.Event) bool {
	if s.dedup.First(floor, kind, e) {
		return true
	}
	if s.recorder != nil {
		s.recorder.RecordDuplicate()
	}
	log.Debug("duplicate node event ignored",
		logger.Int("floor", floor),
		logger.Int("kind", int(kind)),
		logger.Int("seq", e.Seq))
	return false
}

func (s *Service) applyGatePass(log logger.Logger, floor int, e *snapshot.Event, at time.Time) {
	if e.VehicleID == 0 {
		// exit gate: the vehicle leaves, its slot exit already settled
		s.publish(events.Event{
			Kind: events.KindPassThrough, Time: at, Floor: floor, Plate: e.Plate,
			Detail: "exit gate",
			Fields: map[string]any{"gate": string(gate.Exit), "confidence": e.Confidence},
		})
		return
	}
	alert, err := s.ledger.RecordGateCapture(e.VehicleID, e.Plate, e.Confidence, at)
	if alert != nil {
		s.publishAlert(*alert)
	}
	if err != nil {
		log.Error("gate capture not fully recorded", logger.Error(err))
	}
	s.publish(events.Event{
		Kind: events.KindPassThrough, Time: at, Floor: floor, Plate: e.Plate,
		VehicleID: strconv.Itoa(e.VehicleID),
		Detail:    "entrance gate",
		Fields:    map[string]any{"gate": string(gate.Entrance), "confidence": e.Confidence},
	})
}

func (s *Service) applyEntry(log logger.Logger, floor int, e *snapshot.Event, at time.Time) {
	adm, err := s.ledger.Admit(floor, e.VehicleID, e.Slot, at)
	if adm.Alert != nil {
		s.publishAlert(*adm.Alert)
	}
	if err != nil {
		log.Error("slot entry not admitted",
			logger.Int("floor", floor),
			logger.Int("slot", e.Slot),
			logger.Int("vehicle_id", e.VehicleID),
			logger.Error(err))
		return
	}
	if s.recorder != nil {
		s.recorder.RecordAdmission(adm.Ticket != nil)
	}
	if t := adm.Ticket; t != nil {
		s.publish(events.Event{
			Kind: events.KindTicket, Time: at, Floor: floor, Slot: e.Slot,
			VehicleID: adm.Record.VehicleID, Plate: t.Label,
			Detail: "temporary ticket issued",
			Fields: map[string]any{"ticket": t.ID, "confidence": t.Confidence},
		})
	}
	s.publish(events.Event{
		Kind: events.KindEntry, Time: at, Floor: floor, Slot: e.Slot,
		VehicleID: adm.Record.VehicleID, Plate: adm.Record.Plate,
		Fields: map[string]any{"node_vehicle_id": e.VehicleID},
	})
}

func (s *Service) applyExit(log logger.Logger, floor int, e *snapshot.Event, at time.Time) {
	st, err := s.ledger.Settle(floor, e.VehicleID, e.Slot, e.Minutes, at)
	if s.recorder != nil {
		s.recorder.RecordSettlement(st.Matched, st.Record.FeeCents)
	}
	if st.Alert != nil {
		s.publishAlert(*st.Alert)
	}
	if err != nil {
		log.Warn("slot exit without matching entry",
			logger.Int("floor", floor),
			logger.Int("slot", e.Slot),
			logger.Int("vehicle_id", e.VehicleID),
			logger.Error(err))
		return
	}
	if e.FeeCents != 0 && e.FeeCents != st.Record.FeeCents {
		log.Warn("node and central fee disagree",
			logger.Int("node_fee_cents", e.FeeCents),
			logger.Int("fee_cents", st.Record.FeeCents))
	}
	s.publish(events.Event{
		Kind: events.KindExit, Time: at, Floor: floor, Slot: e.Slot,
		VehicleID: st.Record.VehicleID, Plate: st.Record.Plate,
		Minutes: st.Record.Minutes, FeeCents: st.Record.FeeCents,
	})
}

// applyPassage journals a ramp crossing. Passages carry no vehicle identity,
// so no record changes floor here; the slot entry on the destination floor
// places the vehicle.
func (s *Service) applyPassage(log logger.Logger, floor int, e *snapshot.Event, at time.Time) {
	dir := "down"
	if e.Direction > 0 {
		dir = "up"
	}
	log.Info("floor passage", logger.Int("floor", floor), logger.String("direction", dir))
	s.publish(events.Event{Kind: events.KindPassage, Time: at, Floor: floor, Detail: dir})
}

func (s *Service) publishAlert(a ledger.Alert) {
	if s.recorder != nil {
		s.recorder.RecordAlert(string(a.Kind))
	}
	s.publish(events.Event{
		Kind: events.KindAlert, Time: a.Timestamp, Plate: a.PlateOrID,
		Detail: a.Reason,
		Fields: map[string]any{"alert": a.ID, "alert_kind": string(a.Kind)},
	})
}

func (s *Service) publish(e events.Event) {
	if s.pub == nil {
		return
	}
	if !s.pub.TryPublish(e) {
		s.log.Debug("event not published", logger.String("kind", string(e.Kind)))
	}
}

// refreshCapacity re-evaluates the flags and publishes a capacity event on change.
func (s *Service) refreshCapacity() ledger.Capacity {
	c := s.ledger.EvaluateCapacity()
	if s.recorder != nil {
		s.recorder.SetCapacity(c.Active, c.Capacity, c.FacilityClosed)
		s.recorder.SetTables(len(s.ledger.Tickets(true)), len(s.ledger.Alerts(true)))
	}
	s.mu.Lock()
	changed := c.FacilityClosed != s.lastClosed || !s.closedPublic
	s.lastClosed = c.FacilityClosed
	s.closedPublic = true
	s.mu.Unlock()
	if changed {
		state := "open"
		if c.FacilityClosed {
			state = "closed"
		}
		s.publish(events.Event{
			Kind: events.KindCapacity, Time: s.now(), Detail: state,
			Fields: map[string]any{"active": c.Active, "capacity": c.Capacity, "full": c.Full, "forced": c.ForcedClosed},
		})
	}
	return c
}

func (s *Service) command(r snapshot.NodeReport, c ledger.Capacity, at time.Time) snapshot.Command {
	cmd := snapshot.Command{
		LastAdmittedID: s.ledger.LastAdmittedID(),
		FacilityClosed: c.FacilityClosed,
		Floor1Closed:   c.FloorClosed[1],
		Floor2Closed:   c.FloorClosed[2],
		Ack:            r.MaxSeq(),
	}
	if r.Floor != 0 {
		return cmd
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cmd.ManualEntry, s.manualEntry = s.manualEntry, false
	cmd.ManualExit, s.manualExit = s.manualExit, false

	words := s.boardLocked(c).Words()
	cmd.Board = words
	if !slices.Equal(words, s.lastBoard) || at.Sub(s.lastBoardAt) >= boardRefresh {
		cmd.BoardUpdate = true
		s.lastBoard = words
		s.lastBoardAt = at
	}
	return cmd
}

// Board computes the sign-board content from the latest node reports.
func (s *Service) Board() devices.Board {
	c := s.ledger.EvaluateCapacity()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boardLocked(c)
}

func (s *Service) boardLocked(c ledger.Capacity) devices.Board {
	var b devices.Board
	for floor := 0; floor < devices.BoardFloors; floor++ {
		r, ok := s.reports[floor]
		if !ok {
			continue
		}
		b.Free[floor] = devices.Free{PCD: r.Available[0], Elderly: r.Available[1], Regular: r.Available[2]}
		b.Cars[floor] = r.Occupied
	}
	if c.FacilityClosed {
		b.Flags |= devices.FlagFacilityFull
	}
	if c.FloorClosed[1] {
		b.Flags |= devices.FlagFloor1Closed
	}
	if c.FloorClosed[2] {
		b.Flags |= devices.FlagFloor2Closed
	}
	return b
}

// RequestGate queues a manual gate opening for the ground node's next exchange.
func (s *Service) RequestGate(kind gate.Kind) error {
	s.mu.Lock()
	switch kind {
	case gate.Entrance:
		s.manualEntry = true
	case gate.Exit:
		s.manualExit = true
	default:
		s.mu.Unlock()
		return errors.Newf("unknown gate %q", kind).Component("central").Category(errors.CategoryValidation).Build()
	}
	s.mu.Unlock()
	s.admin(fmt.Sprintf("manual %s gate opening", kind))
	return nil
}

// SetFacilityClosed forces the facility closed or releases the override.
func (s *Service) SetFacilityClosed(closed bool) {
	s.ledger.ForceClosed(closed)
	if closed {
		s.admin("facility closed by operator")
	} else {
		s.admin("facility override released")
	}
	s.refreshCapacity()
}

// SetFloorClosed opens or closes an upper floor.
func (s *Service) SetFloorClosed(floor int, closed bool) error {
	if err := s.ledger.SetFloorClosed(floor, closed); err != nil {
		return err
	}
	state := "opened"
	if closed {
		state = "closed"
	}
	s.admin(fmt.Sprintf("floor %d %s by operator", floor, state))
	s.refreshCapacity()
	return nil
}

// Reconcile replaces a ticket label with the plate read by the operator.
func (s *Service) Reconcile(ticketID int, plate string) (ledger.Ticket, ledger.Record, error) {
	t, rec, err := s.ledger.Reconcile(ticketID, plate)
	if err != nil {
		return t, rec, err
	}
	s.publish(events.Event{
		Kind: events.KindReconcile, Time: s.now(), Floor: rec.Floor, Slot: rec.Slot,
		VehicleID: rec.VehicleID, Plate: t.ReconciledPlate,
		Detail: "ticket " + t.Label + " reconciled",
		Fields: map[string]any{"ticket": t.ID},
	})
	s.refreshCapacity()
	return t, rec, nil
}

// ResolveAlert marks an alert handled.
func (s *Service) ResolveAlert(id int) (ledger.Alert, error) {
	a, err := s.ledger.ResolveAlert(id)
	if err != nil {
		return a, err
	}
	s.admin(fmt.Sprintf("alert %d resolved", id))
	s.refreshCapacity()
	return a, nil
}

// Active, Alerts and Tickets pass through for the operator console.
func (s *Service) Active() []ledger.Record              { return s.ledger.Active() }
func (s *Service) Alerts(unresolved bool) []ledger.Alert { return s.ledger.Alerts(unresolved) }
func (s *Service) Tickets(pending bool) []ledger.Ticket  { return s.ledger.Tickets(pending) }

// Capacity returns the current facility state.
func (s *Service) Capacity() ledger.Capacity { return s.ledger.EvaluateCapacity() }

// Now is the service clock, used for running fees.
func (s *Service) Now() time.Time { return s.now() }

// UnitRate is the configured tariff.
func (s *Service) UnitRate() float64 { return s.ledger.UnitRate() }

// NodeHealth reports an error when a known floor has not reported within maxAge.
func (s *Service) NodeHealth(maxAge time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	floors := make([]int, 0, len(s.lastSeen))
	for f := range s.lastSeen {
		floors = append(floors, f)
	}
	slices.Sort(floors)
	for _, f := range floors {
		if age := now.Sub(s.lastSeen[f]); age > maxAge {
			return fmt.Errorf("floor %d silent for %s", f, age.Round(time.Second))
		}
	}
	return nil
}

func (s *Service) admin(what string) {
	s.log.Info("operator action", logger.String("action", what))
	s.publish(events.Event{Kind: events.KindAdmin, Time: s.now(), Detail: what})
}
