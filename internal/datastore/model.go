package datastore

import (
	"time"
)

// JournalEntry is one line of the append-only facility event log.
type JournalEntry struct {
	ID        uint      `gorm:"primaryKey"`
	Time      time.Time `gorm:"index;not null"`
	Kind      string    `gorm:"index;size:32;not null"`
	Floor     int
	Slot      int
	VehicleID string `gorm:"index;size:64"`
	Plate     string `gorm:"index;size:16"`
	Minutes   int
	FeeCents  int
	Detail    string `gorm:"size:512"`
	Fields    string `gorm:"type:text"` // JSON object, empty when none
}

// TableName pins the table name across drivers.
func (JournalEntry) TableName() string { return "journal_entries" }
