package dataforwarding

import (
	"fmt"
	"strings"
	"time"

	"device-opcua/config"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// subscriptionID of the forwarder's inline subscription on the embedded broker.
const subscriptionID = 2

// Subscriber delivers messages published on the embedded broker.
type Subscriber interface {
	Subscribe(filter string, id int, fn func(topic string, payload []byte)) error
	Unsubscribe(filter string, id int) error
}

// Forwarder republishes device events to an external MQTT broker under a
// topic prefix.
type Forwarder struct {
	cfg    config.ForwardingConfig
	filter string
	sub    Subscriber
	opts   *MQTT.ClientOptions
	client MQTT.Client

	publish func(topic string, payload []byte) error
}

// NewForwarder prepares a forwarder for the events below eventTopic.
func NewForwarder(cfg config.ForwardingConfig, eventTopic string, sub Subscriber) *Forwarder {
	f := &Forwarder{
		cfg:    cfg,
		filter: strings.TrimSuffix(eventTopic, "/") + "/#",
		sub:    sub,
	}
	f.opts = MQTT.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID("device-opcua-forwarder").
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	f.publish = f.publishExternal
	return f
}

// Start connects to the external broker and subscribes to the events.
func (f *Forwarder) Start() error {
	f.client = MQTT.NewClient(f.opts)
	token := f.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("FWD: connect to %s timed out", f.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("FWD: error connecting to external MQTT broker: %w", err)
	}

	if err := f.sub.Subscribe(f.filter, subscriptionID, f.forward); err != nil {
		f.client.Disconnect(250)
		return fmt.Errorf("FWD: subscribing %s: %w", f.filter, err)
	}
	logrus.Infof("FWD: forwarding %s to %s under %s/", f.filter, f.cfg.BrokerURL, f.cfg.TopicPrefix)
	return nil
}

// Stop removes the subscription and disconnects.
func (f *Forwarder) Stop() {
	if err := f.sub.Unsubscribe(f.filter, subscriptionID); err != nil {
		logrus.Debugf("FWD: unsubscribe: %v", err)
	}
	if f.client != nil && f.client.IsConnected() {
		f.client.Disconnect(250)
	}
}

// PublicTopic maps an internal topic to its topic on the external broker.
func (f *Forwarder) PublicTopic(topic string) string {
	prefix := strings.Trim(f.cfg.TopicPrefix, "/")
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}

func (f *Forwarder) forward(topic string, payload []byte) {
	if err := f.publish(f.PublicTopic(topic), payload); err != nil {
		logrus.Warnf("FWD: error forwarding message on %s: %v", topic, err)
	}
}

// publishExternal does not wait for the acknowledgement; the inline
// subscription runs on the broker's delivery path.
func (f *Forwarder) publishExternal(topic string, payload []byte) error {
	if f.client == nil || !f.client.IsConnectionOpen() {
		return fmt.Errorf("external broker not connected")
	}
	token := f.client.Publish(topic, byte(f.cfg.QoS), false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			logrus.Warnf("FWD: publish on %s: %v", topic, token.Error())
		}
	}()
	return nil
}
