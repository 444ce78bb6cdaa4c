package mqtt

import (
	"time"

	"github.com/tphakala/parkctl/internal/events"
)

// EventDTO is the JSON payload for facility events.
//
// Field names are part of the topic contract consumed by dashboards.
type EventDTO struct {
	Kind      string         `json:"kind"`
	Time      time.Time      `json:"time"`
	Floor     int            `json:"floor"`
	Slot      int            `json:"slot,omitempty"`
	VehicleID string         `json:"vehicleId,omitempty"`
	Plate     string         `json:"plate,omitempty"`
	Minutes   int            `json:"minutes,omitempty"`
	Fee       float64        `json:"fee,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewEventDTO maps a bus event.
func NewEventDTO(e events.Event) EventDTO {
	return EventDTO{
		Kind:      string(e.Kind),
		Time:      e.Time.UTC(),
		Floor:     e.Floor,
		Slot:      e.Slot,
		VehicleID: e.VehicleID,
		Plate:     e.Plate,
		Minutes:   e.Minutes,
		Fee:       e.Fee(),
		Detail:    e.Detail,
		Fields:    e.Fields,
	}
}

// HeartbeatDTO is a node's periodic health report.
type HeartbeatDTO struct {
	Node      string    `json:"node"`
	Floor     int       `json:"floor"`
	Time      time.Time `json:"time"`
	Uptime    float64   `json:"uptimeSeconds"`
	CPU       float64   `json:"cpuPercent"`
	Memory    float64   `json:"memoryPercent"`
	Disk      float64   `json:"diskPercent"`
	Load1     float64   `json:"load1"`
	Occupied  int       `json:"occupied"`
	Degraded  bool      `json:"degraded"`
	GateOpen  bool      `json:"gateOpen"`
	Pending   int       `json:"pendingEvents"`
	BoardErrs uint64    `json:"boardErrors,omitempty"`
}

// CommandReplyDTO answers a command received on the command topic.
type CommandReplyDTO struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}
