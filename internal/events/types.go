// Package events provides an asynchronous event bus that decouples the
// ledger and node loops from the journal, MQTT and notification consumers.
// Publishing never blocks; a full buffer drops the event and counts it.
package events

import (
	"time"
)

// Kind names an event in the journal and on the wire.
type Kind string

const (
	KindEntry       Kind = "entry"
	KindExit        Kind = "exit"
	KindPassThrough Kind = "pass-through"
	KindPassage     Kind = "passage"
	KindAlert       Kind = "alert"
	KindTicket      Kind = "ticket"
	KindReconcile   Kind = "reconcile"
	KindCapacity    Kind = "capacity"
	KindAdmin       Kind = "admin"
	KindHeartbeat   Kind = "heartbeat"
	KindError       Kind = "error"
)

// Event is one facility occurrence. Zero fields are omitted by consumers.
type Event struct {
	Kind      Kind
	Time      time.Time
	Floor     int
	Slot      int
	VehicleID string
	Plate     string
	Minutes   int
	FeeCents  int
	Detail    string
	Fields    map[string]any
}

// Fee is FeeCents in currency units.
func (e Event) Fee() float64 { return float64(e.FeeCents) / 100 }

// ErrorEvent is the view of a built error the bus needs. It lets the errors
// package publish without importing this one.
type ErrorEvent interface {
	GetComponent() string
	GetCategory() string
	GetContext() map[string]any
	GetTimestamp() time.Time
	GetMessage() string
	IsReported() bool
	MarkReported()
}

// Consumer processes events delivered by the bus.
type Consumer interface {
	// Name identifies the consumer in logs and must be unique per bus.
	Name() string

	// ProcessEvent handles one event. Errors are counted and logged.
	ProcessEvent(e Event) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc struct {
	ID string
	Fn func(Event) error
}

func (c ConsumerFunc) Name() string               { return c.ID }
func (c ConsumerFunc) ProcessEvent(e Event) error { return c.Fn(e) }

// Stats contains runtime statistics for monitoring
type Stats struct {
	EventsReceived   uint64
	EventsSuppressed uint64
	EventsProcessed  uint64
	EventsDropped    uint64
	ConsumerErrors   uint64
}
