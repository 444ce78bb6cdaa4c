package events

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/parkctl/internal/logger"
)

func TestLogConsumerWritesParkingEvents(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := NewLogConsumer(logger.NewSlogLogger(&buf, logger.LogLevelInfo, time.UTC))
	at := time.Date(2026, 9, 1, 8, 4, 0, 0, time.UTC)

	require.NoError(t, c.ProcessEvent(Event{
		Kind: KindExit, Time: at, Floor: 1, Slot: 2, VehicleID: "v7",
		Plate: "ABC1234", Minutes: 4, FeeCents: 60,
	}))
	require.NoError(t, c.ProcessEvent(Event{Kind: KindHeartbeat, Time: at}))

	out := buf.String()
	assert.Contains(t, out, "kind=exit")
	assert.Contains(t, out, "plate=ABC1234")
	assert.Contains(t, out, "slot=2")
	assert.Contains(t, out, "amount=0.6")
	assert.NotContains(t, out, "heartbeat")
}
