// Package mqtt bridges parkctl to an MQTT broker: facility events and node
// heartbeats are published, operator commands arrive on a command topic.
package mqtt

import (
	"context"
	"time"

	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/logger"
)

// Client defines the interface for MQTT client operations.
type Client interface {
	// Connect attempts to connect to the MQTT broker.
	Connect(ctx context.Context) error

	// Publish sends payload to topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers handler for topic. Subscriptions survive reconnects.
	Subscribe(topic string, handler MessageHandler) error

	// IsConnected returns true while connected to the broker.
	IsConnected() bool

	// Disconnect closes the connection to the broker.
	Disconnect()
}

// MessageHandler receives a message from a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Recorder receives client metrics; *metrics.MQTTMetrics implements it.
type Recorder interface {
	UpdateConnectionStatus(connected bool)
	IncrementMessagesDelivered()
	IncrementErrors()
	IncrementReconnectAttempts()
	ObservePublishLatency(d time.Duration)
}

// Config holds the configuration for the MQTT client.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string // root topic, e.g. "parkctl"
	Retain   bool   // retain state messages at the broker
	// Connection timeouts
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	DisconnectTimeout time.Duration
	MaxReconnect      time.Duration
}

// DefaultConfig returns a Config with reasonable default values
func DefaultConfig() Config {
	return Config{
		Topic:             "parkctl",
		ConnectTimeout:    30 * time.Second,
		PublishTimeout:    10 * time.Second,
		DisconnectTimeout: 250 * time.Millisecond,
		MaxReconnect:      5 * time.Minute,
	}
}

// ConfigFromSettings maps the mqtt settings section onto a client config.
func ConfigFromSettings(s conf.MQTTSettings, clientID string) Config {
	cfg := DefaultConfig()
	cfg.Broker = s.Broker
	cfg.ClientID = clientID
	cfg.Username = s.Username
	cfg.Password = s.Password
	cfg.Retain = s.Retain
	if s.Topic != "" {
		cfg.Topic = s.Topic
	}
	return cfg
}

func mqttLog() logger.Logger { return logger.Global().Module("mqtt") }
