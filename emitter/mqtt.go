package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	logging "github.com/ipfs/go-log/v2"
	"strzcam.com/livesign/config"
	"strzcam.com/livesign/labels"
)

var log = logging.Logger("emitter")

var ErrNotConnected = errors.New("mqtt not connected")

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTEmitter publishes accepted recognitions to
// {topic}/{connection_id}. It implements labels.Recorder.
type MQTTEmitter struct {
	cfg  config.MQTTConfig
	conn mqtt.Client

	client publisher

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		log.Infow("mqtt connection established", "broker", broker, "client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		log.Warnw("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	e.conn = mqtt.NewClient(opts)
	e.client = e.conn

	log.Infow("connecting to mqtt broker", "broker", broker)
	token := e.conn.Connect()
	if err := wait(ctx, token, connectTimeout); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

func (e *MQTTEmitter) Record(ctx context.Context, event labels.Event) error {
	if !e.isConnected() {
		e.countError()
		return ErrNotConnected
	}

	topic := e.topicFor(event)
	payload, err := json.Marshal(event)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal label event: %w", err)
	}

	token := e.client.Publish(topic, e.cfg.QoS, false, payload)
	if err := wait(ctx, token, publishTimeout); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()
	log.Debugw("label published", "topic", topic, "qos", e.cfg.QoS, "size", len(payload))
	return nil
}

func (e *MQTTEmitter) topicFor(event labels.Event) string {
	return strings.TrimSuffix(e.cfg.Topic, "/") + "/" + event.ConnectionID
}

func (e *MQTTEmitter) Disconnect() {
	if e.conn != nil && e.conn.IsConnected() {
		e.conn.Disconnect(250)
		log.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(connected bool) {
	e.mu.Lock()
	e.connected = connected
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}
