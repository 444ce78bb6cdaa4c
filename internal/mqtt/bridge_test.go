package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/parkctl/internal/events"
)

func TestBridgePublishesEvents(t *testing.T) {
	t.Parallel()

	fc := NewFakeClient()
	b := NewBridge(fc, "garage/", nil)

	// disconnected: skipped without error
	require.NoError(t, b.ProcessEvent(events.Event{Kind: events.KindEntry}))
	assert.Empty(t, fc.Published())

	require.NoError(t, fc.Connect(context.Background()))
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	require.NoError(t, b.ProcessEvent(events.Event{
		Kind: events.KindExit, Time: at, Floor: 1, Slot: 3, Plate: "ABC1234", Minutes: 4, FeeCents: 60,
	}))

	msgs := fc.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "garage/events/exit", msgs[0].Topic)

	var dto EventDTO
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &dto))
	assert.Equal(t, "exit", dto.Kind)
	assert.Equal(t, 3, dto.Slot)
	assert.InDelta(t, 0.6, dto.Fee, 1e-9)
	assert.True(t, dto.Time.Equal(at))
}

type commandCounter struct{ ok, failed int }

func (c *commandCounter) RecordCommand(err error) {
	if err != nil {
		c.failed++
		return
	}
	c.ok++
}

func TestBridgeServesCommands(t *testing.T) {
	t.Parallel()

	fc := NewFakeClient()
	require.NoError(t, fc.Connect(context.Background()))
	counter := &commandCounter{}
	b := NewBridge(fc, "parkctl", counter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.ServeCommands(ctx, func(_ context.Context, line string) (string, error) {
		if line == "close" {
			return "facility closed", nil
		}
		return "", errors.New("unknown command")
	}))

	require.NoError(t, fc.Publish(ctx, b.CommandTopic(), []byte(" close \n")))
	require.NoError(t, fc.Publish(ctx, b.CommandTopic(), []byte("fly")))

	var replies []CommandReplyDTO
	for _, m := range fc.Published() {
		if m.Topic != b.ReplyTopic() {
			continue
		}
		var r CommandReplyDTO
		require.NoError(t, json.Unmarshal(m.Payload, &r))
		replies = append(replies, r)
	}
	require.Len(t, replies, 2)
	assert.Equal(t, CommandReplyDTO{Command: "close", OK: true, Output: "facility closed"}, replies[0])
	assert.False(t, replies[1].OK)
	assert.Equal(t, "unknown command", replies[1].Error)
	assert.Equal(t, 1, counter.ok)
	assert.Equal(t, 1, counter.failed)
}

func TestHeartbeatTopic(t *testing.T) {
	t.Parallel()

	fc := NewFakeClient()
	require.NoError(t, fc.Connect(context.Background()))
	b := NewBridge(fc, "", nil)
	require.NoError(t, b.PublishHeartbeat(context.Background(), HeartbeatDTO{Node: "floor1", Floor: 1}))
	msgs := fc.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "parkctl/nodes/floor1/heartbeat", msgs[0].Topic)
}
