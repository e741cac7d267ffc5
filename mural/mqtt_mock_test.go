package mural

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mockToken is an already-completed mqtt.Token.
type mockToken struct {
	err error
}

func newMockToken(err error) *mockToken { return &mockToken{err: err} }

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Error() error                   { return t.err }

func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

type published struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// mockClient implements mqtt.Client in memory.
type mockClient struct {
	mu             sync.Mutex
	connected      bool
	connectError   error
	publishError   error
	subscribeError error
	handlers       map[string]mqtt.MessageHandler
	messages       []published
	onConnect      mqtt.OnConnectHandler
}

func newMockClient() *mockClient {
	return &mockClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *mockClient) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

func (c *mockClient) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishError = err
}

func (c *mockClient) SetSubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeError = err
}

func (c *mockClient) Published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

// Deliver hands payload to the handler subscribed to topic and reports
// whether one was subscribed.
func (c *mockClient) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if ok && h != nil {
		h(c, &mockMessage{topic: topic, payload: payload})
	}
	return ok
}

func (c *mockClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *mockClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *mockClient) Connect() mqtt.Token {
	c.mu.Lock()
	err := c.connectError
	if err == nil {
		c.connected = true
	}
	onConnect := c.onConnect
	c.mu.Unlock()

	if err == nil && onConnect != nil {
		onConnect(c)
	}
	return newMockToken(err)
}

func (c *mockClient) Disconnect(uint) {
	c.SetConnected(false)
}

func (c *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return newMockToken(mqtt.ErrNotConnected)
	}
	if c.publishError != nil {
		return newMockToken(c.publishError)
	}

	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	c.messages = append(c.messages, published{Topic: topic, Payload: b, QoS: qos, Retain: retained})
	return newMockToken(nil)
}

func (c *mockClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return newMockToken(mqtt.ErrNotConnected)
	}
	if c.subscribeError != nil {
		return newMockToken(c.subscribeError)
	}
	c.handlers[topic] = callback
	return newMockToken(nil)
}

func (c *mockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		if tok := c.Subscribe(topic, qos, callback); tok.Error() != nil {
			return tok
		}
	}
	return newMockToken(nil)
}

func (c *mockClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return newMockToken(nil)
}

func (c *mockClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
}

func (c *mockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}
