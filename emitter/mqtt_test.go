package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"strzcam.com/livesign/config"
	"strzcam.com/livesign/labels"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	messages []published
	token    mqtt.Token
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.messages = append(p.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if p.token != nil {
		return p.token
	}
	return completedToken(nil)
}

func newTestEmitter(p *fakePublisher) *MQTTEmitter {
	e := NewMQTTEmitter(config.MQTTConfig{Broker: "localhost:1883", Topic: "livesign/labels/", ClientID: "test", QoS: 1})
	e.client = p
	e.setConnected(true)
	return e
}

func TestRecordPublishesEvent(t *testing.T) {
	p := &fakePublisher{}
	e := newTestEmitter(p)
	event := labels.Event{ConnectionID: "alice", Label: "hello", Confidence: 0.9, New: true}

	if err := e.Record(context.Background(), event); err != nil {
		t.Fatal(err)
	}
	if len(p.messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(p.messages))
	}
	msg := p.messages[0]
	if msg.topic != "livesign/labels/alice" {
		t.Errorf("Expected topic livesign/labels/alice, got %s", msg.topic)
	}
	if msg.qos != 1 {
		t.Errorf("Expected qos 1, got %d", msg.qos)
	}
	var decoded labels.Event
	if err := json.Unmarshal(msg.payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Label != "hello" || decoded.ConnectionID != "alice" || !decoded.New {
		t.Errorf("Unexpected payload %+v", decoded)
	}
	if got := e.Stats().Published["livesign/labels/alice"]; got != 1 {
		t.Errorf("Expected 1 published message in stats, got %d", got)
	}
}

func TestRecordWhenDisconnected(t *testing.T) {
	p := &fakePublisher{}
	e := newTestEmitter(p)
	e.setConnected(false)

	if err := e.Record(context.Background(), labels.Event{ConnectionID: "alice"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if len(p.messages) != 0 {
		t.Errorf("Expected nothing published, got %d", len(p.messages))
	}
	if e.Stats().Errors != 1 {
		t.Errorf("Expected 1 error, got %d", e.Stats().Errors)
	}
}

func TestRecordPublishFailure(t *testing.T) {
	p := &fakePublisher{token: completedToken(errors.New("broker gone"))}
	e := newTestEmitter(p)
	if err := e.Record(context.Background(), labels.Event{ConnectionID: "alice"}); err == nil {
		t.Error("Expected publish error")
	}
	if e.Stats().Errors != 1 {
		t.Errorf("Expected 1 error, got %d", e.Stats().Errors)
	}
}

func TestRecordHonoursContext(t *testing.T) {
	p := &fakePublisher{token: &fakeToken{done: make(chan struct{})}}
	e := newTestEmitter(p)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Record(ctx, labels.Event{ConnectionID: "alice"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDisconnectBeforeConnect(t *testing.T) {
	e := NewMQTTEmitter(config.MQTTConfig{Broker: "localhost:1883", Topic: "livesign/labels"})
	e.Disconnect()
	if e.Stats().Connected {
		t.Error("Expected emitter to report disconnected")
	}
	if err := e.Record(context.Background(), labels.Event{ConnectionID: "alice"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}
