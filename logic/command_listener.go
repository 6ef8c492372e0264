package logic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	opcua "device-opcua/driver/opcua"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Executor runs one device command.
type Executor interface {
	Execute(ctx context.Context, device, object, operation, value string) (*CommandResult, error)
}

// CommandListener serves device commands received over MQTT. A command on
// <base>/<device>/<object> is answered on <base>/response/<device>/<object>.
type CommandListener struct {
	opts     *mqtt.ClientOptions
	client   mqtt.Client
	filter   string
	base     string
	executor Executor
	timeout  time.Duration
}

// NewCommandListener prepares a listener subscribing filter (for example
// command/opcua/#) on the broker at brokerURL.
func NewCommandListener(brokerURL, username, password, filter string, executor Executor, timeout time.Duration) *CommandListener {
	l := &CommandListener{
		filter:   filter,
		base:     strings.TrimSuffix(strings.TrimSuffix(filter, "#"), "/"),
		executor: executor,
		timeout:  timeout,
	}
	l.opts = mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("device-opcua-commands").
		SetUsername(username).
		SetPassword(password).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(l.onConnect)
	return l
}

// Start connects to the broker. Subscriptions are (re)made on every connect.
func (l *CommandListener) Start() error {
	l.client = mqtt.NewClient(l.opts)
	token := l.client.Connect()
	if !token.WaitTimeout(l.timeout) {
		return fmt.Errorf("OPC-UA: command listener connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("OPC-UA: command listener connect: %w", err)
	}
	return nil
}

// Stop disconnects from the broker.
func (l *CommandListener) Stop() {
	if l.client != nil && l.client.IsConnected() {
		l.client.Disconnect(250)
	}
}

func (l *CommandListener) onConnect(client mqtt.Client) {
	if token := client.Subscribe(l.filter, 1, l.handleMessage); token.Wait() && token.Error() != nil {
		logrus.Errorf("OPC-UA: failed to subscribe to topic %v: %v", l.filter, token.Error())
		return
	}
	logrus.Infof("OPC-UA: command listener subscribed to %s", l.filter)
}

func (l *CommandListener) handleMessage(client mqtt.Client, message mqtt.Message) {
	go func() {
		replyTopic, reply, ok := l.handleCommand(message.Topic(), message.Payload())
		if !ok {
			return
		}
		token := client.Publish(replyTopic, 1, false, reply)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			logrus.Warnf("OPC-UA: failed to publish command reply on %s: %v", replyTopic, token.Error())
		}
	}()
}

// handleCommand executes the command carried by one message and builds the
// reply. ok is false for messages that are not commands.
func (l *CommandListener) handleCommand(topic string, payload []byte) (replyTopic string, reply []byte, ok bool) {
	rest := strings.TrimPrefix(topic, l.base+"/")
	if rest == topic {
		return "", nil, false
	}
	parts := strings.Split(rest, "/")
	if parts[0] == "response" || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", nil, false
	}
	device, object := parts[0], parts[1]
	replyTopic = l.base + "/response/" + device + "/" + object

	answer := map[string]interface{}{}
	request, err := decodeCommand(payload)
	if err != nil {
		logrus.Warnf("OPC-UA: failed to unmarshal command on %s: %v", topic, err)
		answer["status"] = opcua.StatusError.String()
		answer["error"] = err.Error()
		reply, _ = json.Marshal(answer)
		return replyTopic, reply, true
	}

	operation := request[opcua.KeyOperation.Key()]
	if operation == "" {
		operation = "get"
	}
	answer[opcua.KeyOperation.Key()] = operation
	if vd, ok := request[opcua.KeyValueDescriptor.Key()]; ok {
		answer[opcua.KeyValueDescriptor.Key()] = vd
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	result, err := l.executor.Execute(ctx, device, object, operation, request[opcua.KeyInputArgument.Key()])
	if result != nil {
		answer["transactionId"] = result.TransactionID
		answer[opcua.KeyResult.Key()] = result.Value()
	}
	if err != nil {
		answer["status"] = opcua.StatusFor(err).String()
		answer["error"] = err.Error()
	} else {
		answer["status"] = opcua.StatusOK.String()
	}

	reply, _ = json.Marshal(answer)
	return replyTopic, reply, true
}

// decodeCommand reads a JSON object of message keys. Non-string values are
// kept in their JSON text form.
func decodeCommand(payload []byte) (map[string]string, error) {
	out := map[string]string{}
	if len(bytes.TrimSpace(payload)) == 0 {
		return out, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = string(bytes.TrimSpace(v))
	}
	return out, nil
}
