package occupancy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/logger"
)

// EventKind distinguishes tracker events.
type EventKind string

const (
	EventEntry EventKind = "entry"
	EventExit  EventKind = "exit"
)

// Event is an entry or exit produced by a scan.
type Event struct {
	Kind      EventKind
	Floor     int
	Slot      int
	Category  Category
	VehicleID int
	EntryTime time.Time
	ExitTime  time.Time
	Minutes   int
	FeeCents  int
	Fee       float64
}

// Scanner samples every slot once.
type Scanner interface {
	Scan(ctx context.Context) ([]bool, error)
}

// Recorder receives tracker metrics.
type Recorder interface {
	RecordScan(floor int, occupied int, elapsed time.Duration)
	RecordTransition(floor int, kind string)
	RecordAliasing(floor int)
}

// IDSource assigns node vehicle ids on entry.
type IDSource interface {
	NextVehicleID() int
}

// Counter is the ground node's monotonic id source.
type Counter struct{ n atomic.Int64 }

// NextVehicleID implements IDSource.
func (c *Counter) NextVehicleID() int { return int(c.n.Add(1)) }

// Seed raises the counter to at least id; it never moves back.
func (c *Counter) Seed(id int) {
	for {
		cur := c.n.Load()
		if int64(id) <= cur || c.n.CompareAndSwap(cur, int64(id)) {
			return
		}
	}
}

// Last returns the most recently issued id.
func (c *Counter) Last() int { return int(c.n.Load()) }

// Issued hands out the counter's last id without advancing it. The ground
// tracker uses it so a slot entry carries the id the entrance gave the car.
type Issued struct{ C *Counter }

// NextVehicleID implements IDSource.
func (i Issued) NextVehicleID() int { return i.C.Last() }

// CentralID hands out the last id the central admitted; upper floors use it
// so a parked car keeps the identity it was given at the gate.
type CentralID struct{ n atomic.Int64 }

// Set stores the central's last admitted id.
func (c *CentralID) Set(id int) { c.n.Store(int64(id)) }

// NextVehicleID implements IDSource.
func (c *CentralID) NextVehicleID() int { return int(c.n.Load()) }

// Tracker owns the slots of one node.
type Tracker struct {
	mu       sync.Mutex
	floor    int
	slots    []Slot
	prev     []bool
	closed   bool
	rate     float64
	ids      IDSource
	aliasing int
	now      func() time.Time
	log      logger.Logger
	recorder Recorder
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithLogger sets the module logger.
func WithLogger(l logger.Logger) Option { return func(t *Tracker) { t.log = l } }

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option { return func(t *Tracker) { t.recorder = r } }

// NewTracker creates a tracker for floor with the given slot layout.
func NewTracker(floor int, layout []Category, unitRate float64, ids IDSource, opts ...Option) *Tracker {
	t := &Tracker{
		floor: floor,
		slots: make([]Slot, len(layout)),
		prev:  make([]bool, len(layout)),
		rate:  unitRate,
		ids:   ids,
		now:   time.Now,
		log:   logger.Global().Module("occupancy"),
	}
	for i, c := range layout {
		t.slots[i] = Slot{Index: i + 1, Category: c}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Floor returns the tracker's floor id.
func (t *Tracker) Floor() int { return t.floor }

// SetClosed enables or disables entry suppression.
func (t *Tracker) SetClosed(closed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != closed {
		t.log.Info("floor closure changed", logger.Int("floor", t.floor), logger.Bool("closed", closed))
	}
	t.closed = closed
}

// Closed reports entry suppression.
func (t *Tracker) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Apply feeds one scan and returns the resulting events.
func (t *Tracker) Apply(scan []bool) ([]Event, error) {
	if len(scan) != len(t.slots) {
		return nil, errors.Newf("scan has %d slots, tracker has %d", len(scan), len(t.slots)).
			Component("occupancy").
			Category(errors.CategoryOccupancy).
			Context("floor", t.floor).
			Build()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := append([]bool(nil), scan...)
	if t.closed {
		// A closed floor admits nobody: new arrivals stay vacant.
		for i := range cur {
			if cur[i] && !t.prev[i] {
				cur[i] = false
			}
		}
	}

	transitions, aliased := Reconcile(t.prev, cur)
	if aliased {
		t.aliasing++
		if t.recorder != nil {
			t.recorder.RecordAliasing(t.floor)
		}
		prevW, curW := Weigh(t.prev), Weigh(cur)
		t.log.Warn("weight-sum delta disagrees with slot diff, using per-slot transitions",
			logger.Int("floor", t.floor),
			logger.Int("previous_sum", prevW.Sum),
			logger.Int("current_sum", curW.Sum),
			logger.Int("changed", len(transitions)))
	}

	now := t.now()
	events := make([]Event, 0, len(transitions))
	for _, tr := range transitions {
		s := &t.slots[tr.Slot-1]
		switch tr.Direction {
		case Entered:
			s.Occupied = true
			s.OccupantID = t.ids.NextVehicleID()
			s.EntryTime = now
			s.ExitTime = time.Time{}
			events = append(events, Event{
				Kind: EventEntry, Floor: t.floor, Slot: s.Index, Category: s.Category,
				VehicleID: s.OccupantID, EntryTime: now,
			})
		case Vacated:
			minutes, cents, fee := Fee(now.Sub(s.EntryTime), t.rate)
			s.Occupied = false
			s.ExitTime = now
			events = append(events, Event{
				Kind: EventExit, Floor: t.floor, Slot: s.Index, Category: s.Category,
				VehicleID: s.OccupantID, EntryTime: s.EntryTime, ExitTime: now,
				Minutes: minutes, FeeCents: cents, Fee: fee,
			})
			s.Plate = ""
			s.Confidence = 0
		}
		if t.recorder != nil {
			t.recorder.RecordTransition(t.floor, tr.Direction.String())
		}
	}
	t.prev = cur

	for _, ev := range events {
		t.log.Info("slot transition",
			logger.String("kind", string(ev.Kind)),
			logger.Int("floor", ev.Floor),
			logger.Int("slot", ev.Slot),
			logger.Int("vehicle_id", ev.VehicleID),
			logger.Int("minutes", ev.Minutes),
			logger.Int("fee_cents", ev.FeeCents))
	}
	return events, nil
}

// Run scans every interval until ctx is done, handing events to sink.
func (t *Tracker) Run(ctx context.Context, sc Scanner, interval time.Duration, sink func(Event)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		start := time.Now()
		vec, err := sc.Scan(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			t.log.Warn("slot scan failed", logger.Int("floor", t.floor), logger.Error(err))
		default:
			events, err := t.Apply(vec)
			if err != nil {
				return err
			}
			if t.recorder != nil {
				t.recorder.RecordScan(t.floor, Weigh(vec).Count, time.Since(start))
			}
			for _, ev := range events {
				sink(ev)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// AttachPlate records the plate captured at the gate on an occupied slot.
func (t *Tracker) AttachPlate(slot int, plate string, confidence int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 1 || slot > len(t.slots) || !t.slots[slot-1].Occupied {
		return
	}
	t.slots[slot-1].Plate = plate
	t.slots[slot-1].Confidence = confidence
}

// Slots returns a copy of every slot.
func (t *Tracker) Slots() []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Slot(nil), t.slots...)
}

// Vector returns the current occupancy vector.
func (t *Tracker) Vector() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]bool(nil), t.prev...)
}

// Available counts vacant slots per category.
func (t *Tracker) Available() Available {
	t.mu.Lock()
	defer t.mu.Unlock()
	var a Available
	for _, s := range t.slots {
		if s.Occupied {
			continue
		}
		switch s.Category {
		case CategoryPCD:
			a.PCD++
		case CategoryElderly:
			a.Elderly++
		default:
			a.Regular++
		}
	}
	return a
}

// Occupied counts occupied slots.
func (t *Tracker) Occupied() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Weigh(t.prev).Count
}

// Aliasing returns how many scans needed the element-wise fallback.
func (t *Tracker) Aliasing() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aliasing
}
