// Package relay republishes feedback state to an MQTT broker so other
// devices (displays, home automation) can follow a workout.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"formcoach/internal/feedback"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"
)

var ErrNotConnected = errors.New("relay: mqtt not connected")

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
}

// FeedbackTopic is where feedback state is published.
func (c Config) FeedbackTopic() string { return c.Topic + "/feedback" }

// StatusTopic carries online/offline; offline is the broker-held will.
func (c Config) StatusTopic() string { return c.Topic + "/status" }

// MQTT publishes every feedback change as retained JSON.
type MQTT struct {
	cfg    Config
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

func NewMQTT(cfg Config) *MQTT {
	r := &MQTT{cfg: cfg}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(cfg.StatusTopic(), statusOffline, cfg.QoS, true)
	opts.OnConnect = func(c mqtt.Client) {
		r.setConnected(true)
		log.Printf("relay: connected to mqtt broker %s", cfg.Broker)
		c.Publish(cfg.StatusTopic(), cfg.QoS, true, statusOnline)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		r.setConnected(false)
		log.Printf("relay: mqtt connection lost, reconnecting: %v", err)
	}

	r.client = mqtt.NewClient(opts)
	return r
}

func newWithClient(cfg Config, client mqtt.Client) *MQTT {
	return &MQTT{cfg: cfg, client: client}
}

// Connect waits for the first broker connection.
func (r *MQTT) Connect(ctx context.Context) error {
	token := r.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	r.setConnected(true)
	return nil
}

// Publish sends one feedback state.
func (r *MQTT) Publish(st feedback.State) error {
	if !r.isConnected() {
		r.countError()
		return ErrNotConnected
	}
	payload, err := json.Marshal(st)
	if err != nil {
		r.countError()
		return fmt.Errorf("marshalling feedback: %w", err)
	}
	token := r.client.Publish(r.cfg.FeedbackTopic(), r.cfg.QoS, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		r.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		r.countError()
		return fmt.Errorf("publish failed: %w", err)
	}
	r.mu.Lock()
	r.published++
	r.mu.Unlock()
	return nil
}

// Run publishes the sink's current state and then every change until ctx is
// done.
func (r *MQTT) Run(ctx context.Context, sink *feedback.Sink) {
	ch := sink.Subscribe()
	defer sink.Unsubscribe(ch)

	if err := r.Publish(sink.State()); err != nil {
		log.Printf("relay: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Publish(st); err != nil {
				log.Printf("relay: %v", err)
			}
		}
	}
}

// Close marks the relay offline and disconnects.
func (r *MQTT) Close() {
	if r.client.IsConnected() {
		r.client.Publish(r.cfg.StatusTopic(), r.cfg.QoS, true, statusOffline).WaitTimeout(publishTimeout)
		r.client.Disconnect(250)
		log.Printf("relay: mqtt disconnected")
	}
	r.setConnected(false)
}

func (r *MQTT) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connected: r.connected, Published: r.published, Errors: r.errors}
}

func (r *MQTT) setConnected(v bool) {
	r.mu.Lock()
	r.connected = v
	r.mu.Unlock()
}

func (r *MQTT) isConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

func (r *MQTT) countError() {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
}
