package logic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	opcua "device-opcua/driver/opcua"
	"device-opcua/mqtt_broker"

	"github.com/sirupsen/logrus"
)

// Sampler reads device objects and manages device sessions.
type Sampler interface {
	Sample(ctx context.Context, device opcua.Device, objects []opcua.Object, operations []opcua.Operation) ([]opcua.Response, error)
	DisconnectDevice(ctx context.Context, addressable opcua.Addressable) error
}

// EventPublisher is the part of the publisher the manager uses.
type EventPublisher interface {
	Publish(event *mqtt_broker.Event) error
	PublishRetained(topic string, payload []byte) error
}

// Manager runs one sampling loop per device and tracks device states.
type Manager struct {
	store      *DeviceStore
	driver     Sampler
	publisher  EventPublisher
	policy     *PublishPolicy
	stateTopic string

	stateRetries int
	stateBackoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	states map[string]*DeviceState
}

func NewManager(store *DeviceStore, driver Sampler, publisher EventPublisher, policy *PublishPolicy, stateTopic string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:        store,
		driver:       driver,
		publisher:    publisher,
		policy:       policy,
		stateTopic:   stateTopic,
		stateRetries: 3,
		stateBackoff: 200 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
		states:       make(map[string]*DeviceState),
	}
}

func (m *Manager) getOrCreateDeviceState(device string) *DeviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, exists := m.states[device]
	if !exists {
		state = &DeviceState{status: Stopped}
		m.states[device] = state
	}
	return state
}

// StartAll starts every device of the store.
func (m *Manager) StartAll() {
	logrus.Info("DM: starting all devices...")
	for _, d := range m.store.Devices() {
		if err := m.StartDevice(d.Name); err != nil {
			logrus.Errorf("DM: %v", err)
		}
	}
	logrus.Info("DM: all devices started.")
}

// StopAll stops every running device.
func (m *Manager) StopAll() {
	logrus.Info("DM: stopping all devices...")
	m.mu.Lock()
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.StopDevice(name)
	}
	logrus.Info("DM: all devices have been stopped.")
}

// RestartAll stops all devices and starts the devices of the store again,
// picking up changed metadata.
func (m *Manager) RestartAll() {
	logrus.Info("DM: restarting all devices...")
	m.StopAll()

	known := make(map[string]bool)
	for _, d := range m.store.Devices() {
		known[d.Name] = true
	}
	m.mu.Lock()
	for name := range m.states {
		if !known[name] {
			delete(m.states, name)
		}
	}
	m.mu.Unlock()

	m.StartAll()
}

// Close stops all devices for good.
func (m *Manager) Close() {
	m.StopAll()
	m.cancel()
}

// StartDevice starts sampling device. A device without sampling interval
// only serves commands; one without readable objects reports no datapoints.
func (m *Manager) StartDevice(name string) error {
	dev, ok := m.store.Device(name)
	if !ok {
		return fmt.Errorf("DM: unknown device %s", name)
	}

	state := m.getOrCreateDeviceState(name)
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.running {
		logrus.Warnf("DM: device %s is already running.", name)
		return nil
	}
	m.setStatus(name, state, Initializing)

	if !hasReadOperation(m.store.Objects(name), m.store.Operations(name)) {
		m.setStatus(name, state, NoDatapoints)
		logrus.Warnf("DM: no readable objects found for device %s", name)
		return nil
	}

	if dev.SamplingInterval <= 0 {
		m.setStatus(name, state, Running)
		logrus.Infof("DM: device %s ready (commands only).", name)
		return nil
	}

	state.stop = make(chan struct{})
	state.done = make(chan struct{})
	state.running = true
	go m.run(dev, state.stop, state.done)

	m.setStatus(name, state, Running)
	logrus.Infof("DM: sampling device %s every %s.", name, dev.SamplingInterval)
	return nil
}

// StopDevice stops the sampling loop of device and closes its session.
func (m *Manager) StopDevice(name string) {
	state := m.getOrCreateDeviceState(name)
	state.mu.Lock()
	stop, done, running := state.stop, state.done, state.running
	state.running = false
	state.stop, state.done = nil, nil
	state.mu.Unlock()

	if running {
		close(stop)
		<-done
	}

	if dev, ok := m.store.Device(name); ok {
		if err := m.driver.DisconnectDevice(m.ctx, dev.Addressable); err != nil {
			logrus.Warnf("DM: disconnecting device %s: %v", name, err)
		}
	}
	m.policy.Reset(name)

	state.mu.Lock()
	m.setStatus(name, state, Stopped)
	state.mu.Unlock()
	logrus.Infof("DM: stopped device %s.", name)
}

// States returns the current state of every known device.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	states := make([]*DeviceState, 0, len(m.states))
	names := make([]string, 0, len(m.states))
	for name, s := range m.states {
		names = append(names, name)
		states = append(states, s)
	}
	m.mu.Unlock()

	out := make(map[string]string, len(names))
	for i, s := range states {
		s.mu.Lock()
		out[names[i]] = s.status
		s.mu.Unlock()
	}
	return out
}

func (m *Manager) run(dev opcua.Device, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(dev.SamplingInterval)
	defer ticker.Stop()

	m.sampleOnce(dev)
	for {
		select {
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(dev)
		}
	}
}

func (m *Manager) sampleOnce(dev opcua.Device) {
	responses, err := m.driver.Sample(m.ctx, dev, m.store.Objects(dev.Name), m.store.Operations(dev.Name))

	state := m.getOrCreateDeviceState(dev.Name)
	state.mu.Lock()
	switch {
	case err != nil && state.status != Error:
		logrus.Errorf("DM: sampling device %s failed: %v", dev.Name, err)
		m.setStatus(dev.Name, state, Error)
	case err == nil && state.status != Running:
		logrus.Infof("DM: device %s recovered.", dev.Name)
		m.setStatus(dev.Name, state, Running)
	}
	state.mu.Unlock()

	send := m.policy.Filter(dev, responses)
	if len(send) == 0 {
		return
	}
	readings := make([]mqtt_broker.Reading, 0, len(send))
	for _, r := range send {
		readings = append(readings, mqtt_broker.Reading{Name: r.Object, Value: r.Value, Origin: r.Timestamp.UnixNano()})
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].Name < readings[j].Name })

	if err := m.publisher.Publish(mqtt_broker.NewEvent(dev.Name, readings...)); err != nil {
		logrus.Warnf("DM: publishing event of %s: %v", dev.Name, err)
	}
}

// setStatus must be called with state.mu held.
func (m *Manager) setStatus(device string, state *DeviceState, status string) {
	state.status = status
	topic := m.stateTopic + "/" + device
	if err := publishWithBackoff(m.publisher, topic, []byte(status), m.stateRetries, m.stateBackoff, m.ctx.Done()); err != nil {
		logrus.Warnf("DM: device %s state %s not published: %v", device, status, err)
	}
	if err := m.store.SetStatus(m.ctx, device, status); err != nil {
		logrus.Error(err)
	}
}

func hasReadOperation(objects []opcua.Object, operations []opcua.Operation) bool {
	known := make(map[string]bool, len(objects))
	for _, o := range objects {
		known[o.Name] = true
	}
	for _, op := range operations {
		if k, err := opcua.ParseCommandKind(op.Kind); err == nil && k == opcua.CommandRead && known[op.Object] {
			return true
		}
	}
	return false
}
