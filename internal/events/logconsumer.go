package events

import (
	"github.com/tphakala/parkctl/internal/logger"
)

// LogConsumer writes one line per event to the journal module logger, which
// is routed to the plain-text event log file.
type LogConsumer struct {
	log logger.Logger
}

// NewLogConsumer writes to log; nil uses the global "journal" module.
func NewLogConsumer(log logger.Logger) *LogConsumer {
	if log == nil {
		log = logger.Global().Module("journal")
	}
	return &LogConsumer{log: log}
}

// Name implements Consumer.
func (c *LogConsumer) Name() string { return "event-log" }

// ProcessEvent implements Consumer. Heartbeats and internal errors are not
// parking events and stay out of the log.
func (c *LogConsumer) ProcessEvent(e Event) error {
	switch e.Kind {
	case KindHeartbeat, KindError:
		return nil
	}
	fields := []logger.Field{
		logger.Time("at", e.Time),
		logger.String("kind", string(e.Kind)),
		logger.Int("floor", e.Floor),
	}
	if e.Slot > 0 {
		fields = append(fields, logger.Int("slot", e.Slot))
	}
	if e.VehicleID != "" {
		fields = append(fields, logger.String("vehicle_id", e.VehicleID))
	}
	if e.Plate != "" {
		fields = append(fields, logger.String("plate", e.Plate))
	}
	if e.Kind == KindExit {
		fields = append(fields,
			logger.Int("minutes", e.Minutes),
			logger.Float64("amount", e.Fee()))
	}
	msg := e.Detail
	if msg == "" {
		msg = string(e.Kind)
	}
	c.log.Info(msg, fields...)
	return nil
}
