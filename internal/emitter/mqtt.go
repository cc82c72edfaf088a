// Package emitter publishes playback events and net status samples to an
// MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/playback/internal/hub"
)

// Envelope is the wire form of one published message
type Envelope struct {
	InstanceID  string         `json:"instance_id" msgpack:"instance_id"`
	SessionID   string         `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Kind        string         `json:"kind" msgpack:"kind"`
	Code        int            `json:"code,omitempty" msgpack:"code,omitempty"`
	TimestampMs int64          `json:"timestamp_ms" msgpack:"timestamp_ms"`
	Payload     map[string]any `json:"payload" msgpack:"payload"`
}

// MQTTEmitter publishes hub messages to the broker
type MQTTEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // exported for the control plane

	encode func(v any) ([]byte, error)

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(cfg *config.Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		encode:    encoderFor(cfg.MQTT.Encoding),
		published: make(map[string]uint64),
	}
}

func encoderFor(encoding string) func(v any) ([]byte, error) {
	if encoding == config.EncodingMsgpack {
		return msgpack.Marshal
	}
	return json.Marshal
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"client_id", e.cfg.InstanceID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"broker", e.cfg.MQTT.Broker,
			"error", err,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Run publishes messages from ch until ctx is cancelled or ch is closed.
// Publish failures are counted and logged; they never stop the loop.
func (e *MQTTEmitter) Run(ctx context.Context, ch <-chan hub.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := e.Publish(msg); err != nil {
				slog.Debug("emitter: publish failed", "kind", msg.Kind.String(), "error", err)
			}
		}
	}
}

// Publish encodes msg and publishes it on its topic
func (e *MQTTEmitter) Publish(msg hub.Message) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	topic, qos := e.route(msg)
	payload, err := e.encode(NewEnvelope(e.cfg.InstanceID, msg))
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to encode %s: %w", msg.Kind, err)
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("emitter: published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// route builds the topic: <events>/<EVENT_NAME> for play events and the
// net status topic for samples.
func (e *MQTTEmitter) route(msg hub.Message) (string, byte) {
	if msg.Kind == hub.KindNetStatus {
		return e.cfg.MQTT.Topics.NetStatus, e.cfg.MQTT.QoS["net_status"]
	}
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(e.cfg.MQTT.Topics.Events, "/"), msg.Event), e.cfg.MQTT.QoS["events"]
}

// NewEnvelope wraps msg for the wire. Play events carry their SDK name and
// numeric code.
func NewEnvelope(instanceID string, msg hub.Message) Envelope {
	env := Envelope{
		InstanceID:  instanceID,
		SessionID:   msg.SessionID,
		Kind:        msg.Kind.String(),
		TimestampMs: msg.Timestamp.UnixMilli(),
		Payload:     msg.Payload,
	}
	if msg.Kind == hub.KindEvent {
		env.Kind = msg.Event.String()
		env.Code = int(msg.Event)
	}
	return env
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(on bool) {
	e.mu.Lock()
	e.connected = on
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
