package mural

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Publisher forwards lifecycle events to MQTT. Every event goes to
// <prefix>/events; events about one mural also replace the retained
// message on <prefix>/murals/<id>.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	log           *zap.Logger

	queue chan Event

	mu   sync.RWMutex
	last map[string]Event
}

// NewPublisher creates an event publisher. If client is nil, publishing is
// disabled and events are only remembered.
func NewPublisher(client mqtt.Client, prefix string, log *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = "muralwall"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		log:           log,
		queue:         make(chan Event, 256),
		last:          make(map[string]Event),
	}
}

// EventsTopic is where every event is published.
func (p *Publisher) EventsTopic() string {
	return p.publishPrefix + "/events"
}

// MuralTopic is the retained per-mural state topic.
func (p *Publisher) MuralTopic(id string) string {
	return fmt.Sprintf("%s/murals/%s", p.publishPrefix, id)
}

// Emit queues ev for Run. Events are dropped when the queue is full.
func (p *Publisher) Emit(ev Event) {
	p.remember(ev)
	select {
	case p.queue <- ev:
	default:
		p.log.Warn("event queue full, dropping", zap.String("kind", string(ev.Kind)), zap.String("id", ev.MuralID))
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			if err := p.Publish(ev); err != nil {
				p.log.Debug("event not published", zap.String("kind", string(ev.Kind)), zap.Error(err))
			}
		}
	}
}

// Publish sends ev right away.
func (p *Publisher) Publish(ev Event) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := p.send(p.EventsTopic(), false, payload); err != nil {
		return err
	}

	if ev.MuralID == "" {
		return nil
	}
	switch ev.Kind {
	case EventRemoved:
		// An empty retained payload clears the topic.
		return p.send(p.MuralTopic(ev.MuralID), true, []byte{})
	case EventCreated, EventRespawned, EventRespawnFailed:
		return p.send(p.MuralTopic(ev.MuralID), true, payload)
	}
	return nil
}

func (p *Publisher) send(topic string, retain bool, payload []byte) error {
	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	p.log.Debug("published", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}

func (p *Publisher) remember(ev Event) {
	if ev.MuralID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Kind == EventRemoved {
		delete(p.last, ev.MuralID)
		return
	}
	p.last[ev.MuralID] = ev
}

// LastEvent returns the most recent event seen for a mural.
func (p *Publisher) LastEvent(id string) (Event, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ev, ok := p.last[id]
	return ev, ok
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}
