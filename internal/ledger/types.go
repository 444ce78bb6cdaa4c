package ledger

import (
	"time"

	"github.com/tphakala/parkctl/internal/errors"
)

// AlertKind classifies audit alerts.
type AlertKind string

const (
	AlertNoMatchingEntry AlertKind = "NoMatchingEntry"
	AlertInvalidPlate    AlertKind = "InvalidPlate"
	AlertSystemError     AlertKind = "SystemError"
)

// Ticket stands in for a plate that could not be read confidently.
type Ticket struct {
	ID              int
	Label           string // TEMP####
	Confidence      int
	Slot            int
	Floor           int
	CreatedAt       time.Time
	Active          bool
	ReconciledPlate string
}

// Record is the central's view of one parked vehicle.
type Record struct {
	VehicleID     string // global, assigned by the ledger
	NodeVehicleID int
	Plate         string // read plate or ticket label
	TicketID      int    // 0 when admitted on a confident read
	Confidence    int
	Floor         int
	Slot          int
	EntryTime     time.Time
	ExitTime      time.Time
	Active        bool
	Minutes       int
	FeeCents      int
	Fee           float64
}

// Alert is an inconsistency awaiting an operator.
type Alert struct {
	ID        int
	PlateOrID string
	Reason    string
	Kind      AlertKind
	Timestamp time.Time
	Resolved  bool
}

// Admission is the result of a slot entry.
type Admission struct {
	Record Record
	Ticket *Ticket
	Alert  *Alert
}

// Settlement is the result of a slot exit.
type Settlement struct {
	Record  Record
	Matched bool
	Alert   *Alert
}

// Capacity is the facility state after an evaluation.
type Capacity struct {
	Active         int
	Capacity       int
	Full           bool
	FacilityClosed bool
	ForcedClosed   bool
	FloorClosed    map[int]bool
}

// FloorCapacity is one floor's slot count per category.
type FloorCapacity struct {
	Floor   int
	PCD     int
	Elderly int
	Regular int
}

// Slots is the floor total.
func (f FloorCapacity) Slots() int { return f.PCD + f.Elderly + f.Regular }

// Ledger errors.
var (
	ErrTicketTableFull = errors.NewStd("ledger: ticket table full")
	ErrAlertTableFull  = errors.NewStd("ledger: alert table full")
	ErrRecordTableFull = errors.NewStd("ledger: record table full")
	ErrNoMatchingEntry = errors.NewStd("ledger: exit without matching entry")
	ErrTicketNotFound  = errors.NewStd("ledger: no such active ticket")
	ErrAlertNotFound   = errors.NewStd("ledger: no such unresolved alert")
	ErrInvalidPlate    = errors.NewStd("ledger: invalid plate")
	ErrUnknownFloor    = errors.NewStd("ledger: unknown floor")
	ErrDuplicateEntry  = errors.NewStd("ledger: vehicle id already active on floor")
)
