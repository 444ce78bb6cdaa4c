package mqtt

import (
	"context"
	"errors"
	"sync"
)

// Message is a publish captured by FakeClient.
type Message struct {
	Topic   string
	Payload []byte
}

// FakeClient is an in-memory Client for tests and the bench simulator.
// Publishing to a subscribed topic delivers synchronously.
type FakeClient struct {
	mu        sync.Mutex
	connected bool
	published []Message
	subs      map[string]MessageHandler
}

// NewFakeClient returns a disconnected fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{subs: make(map[string]MessageHandler)}
}

func (f *FakeClient) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *FakeClient) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return errors.New("not connected")
	}
	f.published = append(f.published, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	h := f.subs[topic]
	f.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
	return nil
}

func (f *FakeClient) Subscribe(topic string, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeClient) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

// Published returns a copy of every publish so far.
func (f *FakeClient) Published() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.published...)
}
