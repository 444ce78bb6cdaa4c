package mqtt

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/logger"
)

// client implements Client on paho with automatic reconnect.
type client struct {
	config   Config
	internal paho.Client
	mu       sync.Mutex
	subs     map[string]MessageHandler
	recorder Recorder
	log      logger.Logger
}

// NewClient creates a client; Connect must be called before use. recorder
// may be nil.
func NewClient(cfg Config, recorder Recorder) Client {
	return &client{
		config:   cfg,
		subs:     make(map[string]MessageHandler),
		recorder: recorder,
		log:      mqttLog(),
	}
}

// Connect resolves the broker host, then connects.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return c.connectError(fmt.Errorf("invalid broker URL: %w", err))
	}
	host := u.Hostname()
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return c.connectError(fmt.Errorf("failed to resolve hostname %s: %w", host, err))
		}
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(c.config.MaxReconnect)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		if c.recorder != nil {
			c.recorder.IncrementReconnectAttempts()
		}
	})

	c.internal = paho.NewClient(opts)
	token := c.internal.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return c.connectError(fmt.Errorf("connection timeout"))
	}
	if err := token.Error(); err != nil {
		return c.connectError(fmt.Errorf("connection error: %w", err))
	}
	return nil
}

func (c *client) connectError(err error) error {
	if c.recorder != nil {
		c.recorder.IncrementErrors()
	}
	return errors.New(err).
		Component("mqtt").
		Category(errors.CategoryMQTTConnect).
		Context("broker", c.config.Broker).
		Build()
}

// Publish sends payload to topic at QoS 0.
func (c *client) Publish(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	internal := c.internal
	c.mu.Unlock()

	if internal == nil || !internal.IsConnected() {
		return errors.Newf("not connected to MQTT broker").
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	start := time.Now()
	token := internal.Publish(topic, 0, c.config.Retain, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.config.PublishTimeout):
		if c.recorder != nil {
			c.recorder.IncrementErrors()
		}
		return errors.Newf("publish timeout").
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}
	if err := token.Error(); err != nil {
		if c.recorder != nil {
			c.recorder.IncrementErrors()
		}
		return errors.New(err).Component("mqtt").Category(errors.CategoryMQTTPublish).Context("topic", topic).Build()
	}
	if c.recorder != nil {
		c.recorder.IncrementMessagesDelivered()
		c.recorder.ObservePublishLatency(time.Since(start))
	}
	return nil
}

// Subscribe records handler and subscribes now when connected; onConnect
// replays every subscription after a reconnect.
func (c *client) Subscribe(topic string, handler MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	internal := c.internal
	c.mu.Unlock()

	if internal == nil || !internal.IsConnected() {
		return nil
	}
	return c.subscribe(internal, topic, handler)
}

func (c *client) subscribe(internal paho.Client, topic string, handler MessageHandler) error {
	token := internal.Subscribe(topic, 1, func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	return token.Error()
}

// IsConnected returns true while connected to the broker.
func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internal != nil && c.internal.IsConnected()
}

// Disconnect closes the connection to the broker.
func (c *client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.internal != nil && c.internal.IsConnected() {
		c.internal.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
		if c.recorder != nil {
			c.recorder.UpdateConnectionStatus(false)
		}
	}
}

func (c *client) onConnect(internal paho.Client) {
	c.log.Info("connected to MQTT broker", logger.String("broker", c.config.Broker))
	if c.recorder != nil {
		c.recorder.UpdateConnectionStatus(true)
	}
	c.mu.Lock()
	subs := make(map[string]MessageHandler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()
	for topic, h := range subs {
		// handlers run on paho's router goroutine; waiting here would deadlock
		go func() {
			if err := c.subscribe(internal, topic, h); err != nil {
				c.log.Error("resubscribe failed", logger.String("topic", topic), logger.Error(err))
			}
		}()
	}
}

func (c *client) onConnectionLost(_ paho.Client, err error) {
	c.log.Warn("connection to MQTT broker lost",
		logger.String("broker", c.config.Broker),
		logger.Error(err))
	if c.recorder != nil {
		c.recorder.UpdateConnectionStatus(false)
		c.recorder.IncrementErrors()
	}
}
