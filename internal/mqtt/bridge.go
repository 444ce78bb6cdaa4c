package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tphakala/parkctl/internal/events"
	"github.com/tphakala/parkctl/internal/logger"
)

// CommandFunc executes one operator command line and returns its output.
type CommandFunc func(ctx context.Context, line string) (string, error)

// CommandRecorder counts received commands; *metrics.MQTTMetrics implements it.
type CommandRecorder interface {
	RecordCommand(err error)
}

// Bridge publishes bus events and serves the command topic.
type Bridge struct {
	client   Client
	root     string
	timeout  time.Duration
	recorder CommandRecorder
	log      logger.Logger
}

// NewBridge roots every topic at root.
func NewBridge(client Client, root string, recorder CommandRecorder) *Bridge {
	if root == "" {
		root = DefaultConfig().Topic
	}
	return &Bridge{
		client:   client,
		root:     strings.TrimSuffix(root, "/"),
		timeout:  DefaultConfig().PublishTimeout,
		recorder: recorder,
		log:      mqttLog(),
	}
}

// EventTopic is where events of kind are published.
func (b *Bridge) EventTopic(kind events.Kind) string { return b.root + "/events/" + string(kind) }

// HeartbeatTopic is where a node's heartbeats are published.
func (b *Bridge) HeartbeatTopic(node string) string { return b.root + "/nodes/" + node + "/heartbeat" }

// CommandTopic receives operator command lines.
func (b *Bridge) CommandTopic() string { return b.root + "/command" }

// ReplyTopic carries command replies.
func (b *Bridge) ReplyTopic() string { return b.root + "/command/reply" }

// Name implements events.Consumer.
func (b *Bridge) Name() string { return "mqtt" }

// ProcessEvent publishes e as JSON. A disconnected client is not an error;
// the event is skipped.
func (b *Bridge) ProcessEvent(e events.Event) error {
	if !b.client.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(NewEventDTO(e))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.client.Publish(ctx, b.EventTopic(e.Kind), payload)
}

// PublishHeartbeat sends a node heartbeat.
func (b *Bridge) PublishHeartbeat(ctx context.Context, hb HeartbeatDTO) error {
	payload, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return b.client.Publish(ctx, b.HeartbeatTopic(hb.Node), payload)
}

// ServeCommands subscribes to the command topic and runs each message
// through run, publishing the reply. Message handling stops with ctx.
func (b *Bridge) ServeCommands(ctx context.Context, run CommandFunc) error {
	return b.client.Subscribe(b.CommandTopic(), func(_ string, payload []byte) {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(string(payload))
		if line == "" {
			return
		}
		out, err := run(ctx, line)
		if b.recorder != nil {
			b.recorder.RecordCommand(err)
		}
		reply := CommandReplyDTO{Command: line, OK: err == nil, Output: out}
		if err != nil {
			reply.Error = err.Error()
			b.log.Warn("mqtt command failed", logger.String("command", line), logger.Error(err))
		} else {
			b.log.Info("mqtt command executed", logger.String("command", line))
		}
		data, _ := json.Marshal(reply)
		pctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		if err := b.client.Publish(pctx, b.ReplyTopic(), data); err != nil {
			b.log.Debug("command reply not published", logger.Error(err))
		}
	})
}
