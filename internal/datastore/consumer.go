package datastore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tphakala/parkctl/internal/events"
)

// writeTimeout bounds one journal insert from the event bus.
const writeTimeout = 5 * time.Second

// Name implements events.Consumer.
func (j *Journal) Name() string { return "journal" }

// ProcessEvent journals every event except heartbeats.
func (j *Journal) ProcessEvent(e events.Event) error {
	if e.Kind == events.KindHeartbeat {
		return nil
	}
	entry, err := EntryFromEvent(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return j.Append(ctx, &entry)
}

// EntryFromEvent maps a bus event onto a journal row.
func EntryFromEvent(e events.Event) (JournalEntry, error) {
	entry := JournalEntry{
		Time:      e.Time,
		Kind:      string(e.Kind),
		Floor:     e.Floor,
		Slot:      e.Slot,
		VehicleID: e.VehicleID,
		Plate:     e.Plate,
		Minutes:   e.Minutes,
		FeeCents:  e.FeeCents,
		Detail:    e.Detail,
	}
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err != nil {
			return JournalEntry{}, err
		}
		entry.Fields = string(b)
	}
	return entry, nil
}
