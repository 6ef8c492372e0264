package logic

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"device-opcua/config"
	opcua "device-opcua/driver/opcua"
	"device-opcua/mqtt_broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	mu           sync.Mutex
	err          error
	calls        int
	disconnected []string
}

func (s *fakeSampler) Sample(ctx context.Context, device opcua.Device, objects []opcua.Object, operations []opcua.Operation) ([]opcua.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return []opcua.Response{{Device: device.Name, Object: "temperature", Status: opcua.StatusError}}, s.err
	}
	return []opcua.Response{
		{Device: device.Name, Object: "temperature", Value: "21.5", Status: opcua.StatusOK, Timestamp: time.Unix(10, 0)},
		{Device: device.Name, Object: "setpoint", Value: "22", Status: opcua.StatusOK, Timestamp: time.Unix(10, 0)},
	}, nil
}

func (s *fakeSampler) DisconnectDevice(ctx context.Context, addressable opcua.Addressable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, addressable.Name)
	return nil
}

func (s *fakeSampler) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSampler) sampled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakePublisher struct {
	mu       sync.Mutex
	events   []*mqtt_broker.Event
	retained map[string][]string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{retained: make(map[string][]string)}
}

func (p *fakePublisher) Publish(event *mqtt_broker.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) PublishRetained(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retained[topic] = append(p.retained[topic], string(payload))
	return nil
}

func (p *fakePublisher) eventCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *fakePublisher) states(topic string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.retained[topic]...)
}

var meterSeed = config.DeviceSeed{
	Name:       "meter",
	Protocol:   "tcp",
	Address:    "10.0.0.7",
	Port:       4840,
	Objects:    []config.ObjectSeed{{Name: "energy", ProviderKey: "ns=2;i=9"}},
	Operations: []config.OperationSeed{{Name: "energy-get", Kind: "read", Object: "energy"}},
}

func TestManagerSamplesAndPublishes(t *testing.T) {
	store := newTestStore(t, boilerSeed)
	sampler := &fakeSampler{}
	pub := newFakePublisher()
	m := NewManager(store, sampler, pub, NewPublishPolicy(), "state/opcua")
	defer m.Close()

	require.NoError(t, m.StartDevice("boiler"))
	assert.Eventually(t, func() bool { return sampler.sampled() >= 3 }, time.Second, 5*time.Millisecond)

	// on-change: the unchanged samples after the first are not published
	assert.Equal(t, 1, pub.eventCount())
	pub.mu.Lock()
	event := pub.events[0]
	pub.mu.Unlock()
	assert.Equal(t, "boiler", event.Device)
	require.Len(t, event.Readings, 2)
	assert.Equal(t, "setpoint", event.Readings[0].Name)
	assert.Equal(t, "temperature", event.Readings[1].Name)
	assert.Equal(t, time.Unix(10, 0).UnixNano(), event.Readings[1].Origin)

	assert.Equal(t, Running, m.States()["boiler"])
	assert.Equal(t, []string{Initializing, Running}, pub.states("state/opcua/boiler"))

	require.NoError(t, m.StartDevice("boiler"), "starting a running device is a no-op")

	m.StopDevice("boiler")
	assert.Equal(t, Stopped, m.States()["boiler"])
	assert.Equal(t, []string{"boiler"}, sampler.disconnected)

	status, err := store.Status(context.Background(), "boiler")
	require.NoError(t, err)
	assert.Equal(t, Stopped, status)
}

func TestManagerErrorAndRecovery(t *testing.T) {
	store := newTestStore(t, boilerSeed)
	sampler := &fakeSampler{err: errors.New("connection refused")}
	pub := newFakePublisher()
	m := NewManager(store, sampler, pub, NewPublishPolicy(), "state/opcua")
	defer m.Close()

	require.NoError(t, m.StartDevice("boiler"))
	assert.Eventually(t, func() bool { return m.States()["boiler"] == Error }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, pub.eventCount())

	sampler.setErr(nil)
	assert.Eventually(t, func() bool { return m.States()["boiler"] == Running && pub.eventCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestManagerStartStates(t *testing.T) {
	store := newTestStore(t, valveSeed, meterSeed)
	sampler := &fakeSampler{}
	pub := newFakePublisher()
	m := NewManager(store, sampler, pub, NewPublishPolicy(), "state/opcua")
	defer m.Close()

	m.StartAll()

	states := m.States()
	assert.Equal(t, NoDatapoints, states["valve"])
	assert.Equal(t, Running, states["meter"], "a device without sampling interval serves commands only")
	assert.Equal(t, 0, sampler.sampled())

	assert.Error(t, m.StartDevice("pump"))
}

func TestManagerRestartAllPrunesRemovedDevices(t *testing.T) {
	store := newTestStore(t, boilerSeed, meterSeed)
	sampler := &fakeSampler{}
	m := NewManager(store, sampler, newFakePublisher(), NewPublishPolicy(), "state/opcua")
	defer m.Close()

	m.StartAll()
	require.Len(t, m.States(), 2)

	require.NoError(t, store.Seed(context.Background(), []config.DeviceSeed{meterSeed}))
	m.RestartAll()

	states := m.States()
	assert.Len(t, states, 1)
	assert.Equal(t, Running, states["meter"])
}

type failingPublisher struct {
	mu    sync.Mutex
	tries int
}

func (p *failingPublisher) PublishRetained(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tries++
	if p.tries < 3 {
		return errors.New("broker not running")
	}
	return nil
}

func TestPublishWithBackoff(t *testing.T) {
	p := &failingPublisher{}
	require.NoError(t, publishWithBackoff(p, "state/opcua/boiler", []byte(Running), 3, time.Millisecond, nil))
	assert.Equal(t, 3, p.tries)

	p = &failingPublisher{}
	assert.Error(t, publishWithBackoff(p, "state/opcua/boiler", []byte(Running), 2, time.Millisecond, nil))

	stop := make(chan struct{})
	close(stop)
	p = &failingPublisher{}
	assert.Error(t, publishWithBackoff(p, "state/opcua/boiler", []byte(Running), 5, time.Hour, stop))
	assert.Equal(t, 1, p.tries)
}
