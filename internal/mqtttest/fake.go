// Package mqtttest provides an in-memory paho client for tests.
package mqtttest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Published is one recorded Publish call.
type Published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// Client records publishes and routes them to in-process subscriptions.
// Methods not overridden panic through the nil embedded interface.
type Client struct {
	mqtt.Client

	mu         sync.Mutex
	connected  bool
	published  []Published
	handlers   map[string]mqtt.MessageHandler
	PublishErr error
}

// NewClient returns a connected fake client.
func NewClient() *Client {
	return &Client{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}

	c.mu.Lock()
	c.published = append(c.published, Published{Topic: topic, QoS: qos, Payload: data})
	err := c.PublishErr
	handler := c.handlers[topic]
	c.mu.Unlock()

	if handler != nil && err == nil {
		handler(c, &Message{TopicName: topic, Body: data, QoSLevel: qos})
	}
	return &Token{Err: err}
}

func (c *Client) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handlers[topic] = cb
	c.mu.Unlock()
	return &Token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	c.mu.Unlock()
	return &Token{}
}

// Deliver hands payload to the subscription on topic, as the broker would.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	handler := c.handlers[topic]
	c.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(c, &Message{TopicName: topic, Body: payload})
	return true
}

// Published returns a copy of every publish so far.
func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// Token is an already completed token.
type Token struct {
	Err error
}

func (t *Token) Wait() bool                     { return true }
func (t *Token) WaitTimeout(time.Duration) bool { return true }
func (t *Token) Error() error                   { return t.Err }

func (t *Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Message is a received MQTT message.
type Message struct {
	TopicName string
	Body      []byte
	QoSLevel  byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return m.QoSLevel }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}
