// Package ledger is the central registry of parked vehicles. It admits slot
// entries under a plate or a temporary ticket, settles exits, raises audit
// alerts for inconsistencies and derives the facility closure flags.
package ledger

import (
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/occupancy"
)

// Config sets table limits and policy.
type Config struct {
	Floors              []FloorCapacity
	UnitRate            float64
	ConfidenceThreshold int
	MaxTickets          int
	MaxAlerts           int
	CaptureTTL          time.Duration
	MaxHistory          int // settled records kept for listing
}

// DefaultConfig is the canonical three-floor facility.
func DefaultConfig() Config {
	return Config{
		Floors: []FloorCapacity{
			{Floor: 0, PCD: 1, Elderly: 1, Regular: 2},
			{Floor: 1, PCD: 1, Elderly: 2, Regular: 5},
			{Floor: 2, PCD: 1, Elderly: 2, Regular: 5},
		},
		UnitRate:            0.15,
		ConfidenceThreshold: 70,
		MaxTickets:          100,
		MaxAlerts:           50,
		CaptureTTL:          10 * time.Minute,
		MaxHistory:          500,
	}
}

// capture is a gate read waiting for its slot entry.
type capture struct {
	Plate      string
	Confidence int
}

// Ledger is safe for concurrent use; one mutex guards every table.
type Ledger struct {
	mu       sync.Mutex
	cfg      Config
	records  []*Record // active first-class, settled kept up to MaxHistory
	tickets  []*Ticket
	alerts   []*Alert
	captures *cache.Cache

	floorClosed  map[int]bool
	forcedClosed bool
	closed       bool
	lastAdmitted int

	newID func() string
	log   logger.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the module logger.
func WithLogger(l logger.Logger) Option { return func(ld *Ledger) { ld.log = l } }

// WithIDGenerator replaces uuid generation.
func WithIDGenerator(fn func() string) Option { return func(ld *Ledger) { ld.newID = fn } }

// New creates an empty ledger.
func New(cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		cfg:         cfg,
		captures:    cache.New(cfg.CaptureTTL, time.Minute),
		floorClosed: make(map[int]bool),
		newID:       func() string { return uuid.NewString() },
		log:         logger.Global().Module("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TotalCapacity is the slot count with every floor open.
func (l *Ledger) TotalCapacity() int {
	n := 0
	for _, f := range l.cfg.Floors {
		n += f.Slots()
	}
	return n
}

// UnitRate is the tariff per started minute.
func (l *Ledger) UnitRate() float64 { return l.cfg.UnitRate }

// RecordGateCapture stores the entrance camera read for vehicleID until its
// slot entry arrives, and makes it the last admitted id. A non-empty plate
// that fails validation raises an InvalidPlate alert and is kept with zero
// confidence so admission falls back to a ticket.
func (l *Ledger) RecordGateCapture(vehicleID int, plate string, confidence int, at time.Time) (*Alert, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastAdmitted = max(l.lastAdmitted, vehicleID)

	var alert *Alert
	var err error
	if plate != "" && !ValidPlate(plate) {
		alert, err = l.raiseLocked(AlertInvalidPlate, plate,
			fmt.Sprintf("camera read %q for vehicle %d is not a valid plate", plate, vehicleID), at)
		confidence = 0
	} else if plate != "" {
		plate = NormalizePlate(plate)
	}
	l.captures.Set(strconv.Itoa(vehicleID), capture{Plate: plate, Confidence: confidence}, cache.DefaultExpiration)
	return alert, err
}

// LastAdmittedID is the id of the most recent vehicle through the entrance.
func (l *Ledger) LastAdmittedID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAdmitted
}

// Admit handles a slot entry on floor. The gate capture for nodeVehicleID,
// if still cached, supplies the plate; a missing or low-confidence read
// issues a temporary ticket. An entry whose id is already active on the
// floor raises a SystemError alert and is ticketed, or refused with
// ErrDuplicateEntry when it names the same slot.
func (l *Ledger) Admit(floor, nodeVehicleID, slot int, at time.Time) (Admission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.floorCapacity(floor); !ok {
		return Admission{}, l.fail(ErrUnknownFloor, floor, nodeVehicleID)
	}
	if l.activeLocked() >= l.TotalCapacity() {
		return Admission{}, l.fail(ErrRecordTableFull, floor, nodeVehicleID)
	}

	var adm Admission
	var cp capture
	if prev := l.findActiveLocked(floor, nodeVehicleID, 0); prev != nil {
		if prev.Slot == slot {
			return Admission{}, l.fail(ErrDuplicateEntry, floor, nodeVehicleID)
		}
		// another slot: the id cannot tell the vehicles apart, so the plate
		// is not trusted and the record is told apart by its slot
		adm.Alert, _ = l.raiseLocked(AlertSystemError, strconv.Itoa(nodeVehicleID),
			fmt.Sprintf("floor %d slot %d entry reuses the vehicle id parked in slot %d", floor, slot, prev.Slot), at)
	} else {
		key := strconv.Itoa(nodeVehicleID)
		if v, ok := l.captures.Get(key); ok {
			cp = v.(capture)
			l.captures.Delete(key)
		}
	}

	rec := &Record{
		VehicleID:     l.newID(),
		NodeVehicleID: nodeVehicleID,
		Plate:         cp.Plate,
		Confidence:    cp.Confidence,
		Floor:         floor,
		Slot:          slot,
		EntryTime:     at,
		Active:        true,
	}

	if cp.Plate == "" || cp.Confidence < l.cfg.ConfidenceThreshold {
		if l.openTicketsLocked() >= l.cfg.MaxTickets {
			alert, _ := l.raiseLocked(AlertSystemError, strconv.Itoa(nodeVehicleID), "ticket table full, vehicle not registered", at)
			err := l.fail(ErrTicketTableFull, floor, nodeVehicleID)
			if alert == nil {
				alert = adm.Alert
			}
			return Admission{Alert: alert}, err
		}
		t := &Ticket{
			ID:         len(l.tickets) + 1,
			Confidence: cp.Confidence,
			Slot:       slot,
			Floor:      floor,
			CreatedAt:  at,
			Active:     true,
		}
		t.Label = fmt.Sprintf("TEMP%04d", t.ID)
		l.tickets = append(l.tickets, t)
		rec.Plate = t.Label
		rec.TicketID = t.ID
		tc := *t
		adm.Ticket = &tc
		l.log.Info("temporary ticket issued",
			logger.String("ticket", t.Label),
			logger.Int("floor", floor),
			logger.Int("slot", slot),
			logger.Int("vehicle_id", nodeVehicleID),
			logger.Int("confidence", cp.Confidence))
	}

	l.records = append(l.records, rec)
	adm.Record = *rec
	l.log.Info("vehicle admitted",
		logger.String("plate", rec.Plate),
		logger.Int("floor", floor),
		logger.Int("slot", slot),
		logger.Int("vehicle_id", nodeVehicleID))
	return adm, nil
}

// Settle handles a slot exit. The active record must match floor, vehicle id
// and, when both are known, the slot. minutes is the node's billed duration; zero
// means compute it from the record. An exit with no active record raises
// exactly one NoMatchingEntry alert, mutates nothing and returns
// ErrNoMatchingEntry; the vehicle is still let out.
func (l *Ledger) Settle(floor, nodeVehicleID, slot, minutes int, at time.Time) (Settlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.findActiveLocked(floor, nodeVehicleID, slot)
	if rec == nil {
		alert, err := l.raiseLocked(AlertNoMatchingEntry, strconv.Itoa(nodeVehicleID),
			fmt.Sprintf("exit from floor %d slot %d without an active entry", floor, slot), at)
		if err != nil {
			return Settlement{}, errors.Join(l.fail(ErrNoMatchingEntry, floor, nodeVehicleID), err)
		}
		return Settlement{Alert: alert}, l.fail(ErrNoMatchingEntry, floor, nodeVehicleID)
	}

	if minutes <= 0 {
		minutes = occupancy.BilledMinutes(at.Sub(rec.EntryTime))
	}
	rec.Active = false
	rec.ExitTime = at
	rec.Minutes = minutes
	rec.FeeCents = minutes * occupancy.RateCents(l.cfg.UnitRate)
	rec.Fee = float64(rec.FeeCents) / 100

	if rec.TicketID > 0 {
		if t := l.ticketLocked(rec.TicketID); t != nil {
			t.Active = false
		}
	}
	l.pruneLocked()

	l.log.Info("vehicle settled",
		logger.String("plate", rec.Plate),
		logger.Int("floor", floor),
		logger.Int("slot", slot),
		logger.Int("minutes", minutes),
		logger.Int("fee_cents", rec.FeeCents))
	return Settlement{Record: *rec, Matched: true}, nil
}

// Reconcile replaces a ticket label with the operator-supplied plate on the
// ticket and its record. Timestamps and fees are untouched.
func (l *Ledger) Reconcile(ticketID int, plate string) (Ticket, Record, error) {
	plate = NormalizePlate(plate)
	if !plateRE.MatchString(plate) {
		return Ticket{}, Record{}, errors.New(fmt.Errorf("%w: %q", ErrInvalidPlate, plate)).
			Component("ledger").
			Category(errors.CategoryValidation).
			Context("ticket", ticketID).
			Build()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.ticketLocked(ticketID)
	if t == nil || !t.Active {
		return Ticket{}, Record{}, errors.New(fmt.Errorf("%w: %d", ErrTicketNotFound, ticketID)).
			Component("ledger").
			Category(errors.CategoryNotFound).
			Context("ticket", ticketID).
			Build()
	}

	var rec Record
	for _, r := range l.records {
		if r.TicketID == ticketID {
			r.Plate = plate
			rec = *r
		}
	}
	t.ReconciledPlate = plate
	t.Active = false
	l.log.Info("ticket reconciled", logger.String("ticket", t.Label), logger.String("plate", plate))
	return *t, rec, nil
}

// RaiseAlert appends an alert, failing when the table is full.
func (l *Ledger) RaiseAlert(kind AlertKind, plateOrID, reason string, at time.Time) (Alert, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, err := l.raiseLocked(kind, plateOrID, reason, at)
	if err != nil {
		return Alert{}, err
	}
	return *a, nil
}

func (l *Ledger) raiseLocked(kind AlertKind, plateOrID, reason string, at time.Time) (*Alert, error) {
	if l.openAlertsLocked() >= l.cfg.MaxAlerts {
		l.log.Error("alert table full, alert dropped",
			logger.String("kind", string(kind)),
			logger.String("subject", plateOrID),
			logger.String("reason", reason))
		return nil, errors.New(ErrAlertTableFull).
			Component("ledger").
			Category(errors.CategoryLimit).
			Context("kind", string(kind)).
			Build()
	}
	a := &Alert{ID: len(l.alerts) + 1, PlateOrID: plateOrID, Reason: reason, Kind: kind, Timestamp: at}
	l.alerts = append(l.alerts, a)
	l.log.Warn("audit alert raised",
		logger.Int("alert", a.ID),
		logger.String("kind", string(kind)),
		logger.String("subject", plateOrID),
		logger.String("reason", reason))
	out := *a
	return &out, nil
}

// ResolveAlert marks an alert resolved.
func (l *Ledger) ResolveAlert(id int) (Alert, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id < 1 || id > len(l.alerts) || l.alerts[id-1].Resolved {
		return Alert{}, errors.New(fmt.Errorf("%w: %d", ErrAlertNotFound, id)).
			Component("ledger").
			Category(errors.CategoryNotFound).
			Build()
	}
	l.alerts[id-1].Resolved = true
	return *l.alerts[id-1], nil
}

// SetFloorClosed opens or closes an upper floor.
func (l *Ledger) SetFloorClosed(floor int, closed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.floorCapacity(floor); !ok || floor == 0 {
		return errors.New(fmt.Errorf("%w: %d", ErrUnknownFloor, floor)).
			Component("ledger").
			Category(errors.CategoryValidation).
			Build()
	}
	l.floorClosed[floor] = closed
	return nil
}

// ForceClosed sets or clears the operator's manual facility closure. While
// cleared the closed flag follows the full flag.
func (l *Ledger) ForceClosed(closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forcedClosed = closed
}

// EvaluateCapacity recomputes the full and closed flags. The facility is
// full when active vehicles on open floors reach the capacity of the open
// floors, or when any floor is manually closed.
func (l *Ledger) EvaluateCapacity() Capacity {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := Capacity{FloorClosed: make(map[int]bool, len(l.floorClosed)), ForcedClosed: l.forcedClosed}
	anyClosed := false
	for _, f := range l.cfg.Floors {
		if l.floorClosed[f.Floor] {
			c.FloorClosed[f.Floor] = true
			anyClosed = true
			continue
		}
		c.Capacity += f.Slots()
	}
	for _, r := range l.records {
		if r.Active && !l.floorClosed[r.Floor] {
			c.Active++
		}
	}
	c.Full = c.Active >= c.Capacity || anyClosed
	c.FacilityClosed = l.forcedClosed || c.Full

	if c.FacilityClosed != l.closed {
		l.log.Info("facility closure changed",
			logger.Bool("closed", c.FacilityClosed),
			logger.Bool("forced", l.forcedClosed),
			logger.Int("active", c.Active),
			logger.Int("capacity", c.Capacity))
	}
	l.closed = c.FacilityClosed
	return c
}

// FacilityClosed returns the flag from the last evaluation.
func (l *Ledger) FacilityClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// FloorClosed reports a floor's manual closure.
func (l *Ledger) FloorClosed(floor int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.floorClosed[floor]
}

// Active lists parked vehicles, oldest first.
func (l *Ledger) Active() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, r := range l.records {
		if r.Active {
			out = append(out, *r)
		}
	}
	return out
}

// ActiveOnFloor counts parked vehicles on floor.
func (l *Ledger) ActiveOnFloor(floor int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.records {
		if r.Active && r.Floor == floor {
			n++
		}
	}
	return n
}

// Records returns every record held, settled ones included.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = *r
	}
	return out
}

// Tickets lists tickets; pending limits it to active ones.
func (l *Ledger) Tickets(pending bool) []Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Ticket
	for _, t := range l.tickets {
		if pending && !t.Active {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// Alerts lists alerts; unresolved limits it to open ones.
func (l *Ledger) Alerts(unresolved bool) []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Alert
	for _, a := range l.alerts {
		if unresolved && a.Resolved {
			continue
		}
		out = append(out, *a)
	}
	return out
}

func (l *Ledger) floorCapacity(floor int) (FloorCapacity, bool) {
	for _, f := range l.cfg.Floors {
		if f.Floor == floor {
			return f, true
		}
	}
	return FloorCapacity{}, false
}

// findActiveLocked returns the active record for vehicleID on floor. A
// non-zero slot must match the record's slot unless the record has none.
func (l *Ledger) findActiveLocked(floor, vehicleID, slot int) *Record {
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if !r.Active || r.Floor != floor || r.NodeVehicleID != vehicleID {
			continue
		}
		if slot > 0 && r.Slot > 0 && r.Slot != slot {
			continue
		}
		return r
	}
	return nil
}

func (l *Ledger) activeLocked() int {
	n := 0
	for _, r := range l.records {
		if r.Active {
			n++
		}
	}
	return n
}

// openTicketsLocked counts active tickets; settled and reconciled tickets
// stay in the table but no longer count against the limit.
func (l *Ledger) openTicketsLocked() int {
	n := 0
	for _, t := range l.tickets {
		if t.Active {
			n++
		}
	}
	return n
}

func (l *Ledger) openAlertsLocked() int {
	n := 0
	for _, a := range l.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n
}

func (l *Ledger) ticketLocked(id int) *Ticket {
	if id < 1 || id > len(l.tickets) {
		return nil
	}
	return l.tickets[id-1]
}

// pruneLocked drops the oldest settled records beyond MaxHistory.
func (l *Ledger) pruneLocked() {
	if l.cfg.MaxHistory <= 0 {
		return
	}
	settled := len(l.records) - l.activeLocked()
	if settled <= l.cfg.MaxHistory {
		return
	}
	drop := settled - l.cfg.MaxHistory
	l.records = slices.DeleteFunc(l.records, func(r *Record) bool {
		if !r.Active && drop > 0 {
			drop--
			return true
		}
		return false
	})
}

func (l *Ledger) fail(sentinel error, floor, vehicleID int) error {
	return errors.New(sentinel).
		Component("ledger").
		Category(errors.CategoryLedger).
		VehicleContext(floor, vehicleID).
		Build()
}
