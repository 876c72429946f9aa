// Package emitter publishes detection results to other systems.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lightning-sagar/LMS/internal/detection"
	"github.com/lightning-sagar/LMS/internal/logger"
)

var log = logger.Module("mqtt")

// Options configures an MQTTEmitter.
type Options struct {
	Broker         string // host:port or a full tcp:// URL
	ClientID       string
	Topic          string // results go to <Topic>/<feed>
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTEmitter publishes each applied detection result as JSON.
type MQTTEmitter struct {
	opts   Options
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter with a paho client. Call Connect.
func NewMQTTEmitter(opts Options) *MQTTEmitter {
	e := newEmitter(opts)

	co := mqtt.NewClientOptions()
	broker := opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	co.AddBroker(broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	co.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		log.Info("connection established to %s as %s", opts.Broker, opts.ClientID)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		log.Warn("connection lost, will auto-reconnect: %v", err)
	}
	e.client = mqtt.NewClient(co)
	return e
}

// NewMQTTEmitterWithClient uses an existing client, which must already be
// connected or be connected by Connect.
func NewMQTTEmitterWithClient(client mqtt.Client, opts Options) *MQTTEmitter {
	e := newEmitter(opts)
	e.client = client
	e.connected = client.IsConnected()
	return e
}

func newEmitter(opts Options) *MQTTEmitter {
	if opts.Topic == "" {
		opts.Topic = "lms/detections"
	}
	if opts.ClientID == "" {
		opts.ClientID = "lms-feed-viewer"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	return &MQTTEmitter{opts: opts, published: make(map[string]uint64)}
}

// Connect establishes the broker connection.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	log.Info("connecting to broker %s", e.opts.Broker)
	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(e.opts.ConnectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Publish implements detection.Publisher.
func (e *MQTTEmitter) Publish(ctx context.Context, r detection.Result) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	topic := e.opts.Topic + "/" + r.Feed
	payload, err := json.Marshal(r)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	token := e.client.Publish(topic, e.opts.QoS, false, payload)
	if !token.WaitTimeout(e.opts.PublishTimeout) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	log.Debug("result %s published to %s (%d bytes)", r.RequestID, topic, len(payload))
	return nil
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		log.Info("disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
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
