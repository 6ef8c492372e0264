package mqtt_broker

import (
	"encoding/json"
	"fmt"
	"time"

	MQTT "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Reading is one sampled value of an event.
type Reading struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Origin int64  `json:"origin"`
}

// Event carries the readings of one device.
type Event struct {
	Device   string    `json:"device"`
	Origin   int64     `json:"origin"`
	Readings []Reading `json:"readings"`
}

// NewEvent stamps readings of device with the current time.
func NewEvent(device string, readings ...Reading) *Event {
	now := time.Now().UnixNano()
	for i := range readings {
		if readings[i].Origin == 0 {
			readings[i].Origin = now
		}
	}
	return &Event{Device: device, Origin: now, Readings: readings}
}

// Publish sends event on <event topic>/<device>.
func (p *Publisher) Publish(event *Event) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidArgument)
	}
	topic := p.opts.EventTopic
	if event.Device != "" {
		topic += "/" + event.Device
	}
	return p.PublishTopics([]string{topic}, event)
}

// PublishTopic sends event on topic.
func (p *Publisher) PublishTopic(topic string, event *Event) error {
	return p.PublishTopics([]string{topic}, event)
}

// PublishTopics sends event on every topic. The arguments are validated
// before anything is published.
func (p *Publisher) PublishTopics(topics []string, event *Event) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidArgument)
	}
	if len(topics) == 0 {
		return fmt.Errorf("%w: no topics", ErrInvalidArgument)
	}
	for _, t := range topics {
		if t == "" {
			return fmt.Errorf("%w: empty topic", ErrInvalidArgument)
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.server == nil {
		return fmt.Errorf("%w: not started", ErrTransportState)
	}
	for _, t := range topics {
		if err := p.server.Publish(t, payload, false, 1); err != nil {
			return fmt.Errorf("MQTT-Broker: failed to publish on %s: %w", t, err)
		}
	}
	return nil
}

// PublishRetained sends a raw retained payload, as used for device states.
func (p *Publisher) PublishRetained(topic string, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidArgument)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.server == nil {
		return fmt.Errorf("%w: not started", ErrTransportState)
	}
	return p.server.Publish(topic, payload, true, 1)
}

// Subscribe registers an inline subscription on the embedded broker.
func (p *Publisher) Subscribe(filter string, id int, fn func(topic string, payload []byte)) error {
	if filter == "" || fn == nil {
		return fmt.Errorf("%w: empty filter or handler", ErrInvalidArgument)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.server == nil {
		return fmt.Errorf("%w: not started", ErrTransportState)
	}
	return p.server.Subscribe(filter, id, func(cl *MQTT.Client, sub packets.Subscription, pk packets.Packet) {
		fn(pk.TopicName, pk.Payload)
	})
}

// Unsubscribe removes an inline subscription.
func (p *Publisher) Unsubscribe(filter string, id int) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.server == nil {
		return fmt.Errorf("%w: not started", ErrTransportState)
	}
	return p.server.Unsubscribe(filter, id)
}
