package opcua

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	tickets map[string]uint64
	entries map[string][]Response
}

func newMemCache() *memCache {
	return &memCache{
		locks:   make(map[string]*sync.Mutex),
		tickets: make(map[string]uint64),
		entries: make(map[string][]Response),
	}
}

func (c *memCache) Acquire(device, operation string) (uint64, func()) {
	key := device + "/" + operation
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	c.mu.Unlock()
	l.Lock()
	c.mu.Lock()
	c.tickets[key]++
	t := c.tickets[key]
	c.mu.Unlock()
	return t, l.Unlock
}

func (c *memCache) Put(device, operation string, responses ...Response) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[device+"/"+operation] = responses
	return true
}

func (c *memCache) GetResponses(device, operation string) []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[device+"/"+operation]
}

type completion struct {
	txID, opID string
	responses  []Response
}

type recordingHandler struct {
	mu   sync.Mutex
	done []completion
}

func (h *recordingHandler) CompleteTransaction(txID, opID string, responses []Response) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done = append(h.done, completion{txID, opID, responses})
	return nil
}

var (
	testDevice = Device{Name: "boiler", Addressable: testAddressable}
	testObject = Object{Name: "temperature", Attributes: testAttributes}
	readOp     = Operation{Name: "temperature-get", Kind: "get", Object: "temperature"}
	writeOp    = Operation{Name: "temperature-set", Kind: "set", Object: "temperature"}
)

func newTestDriver(b Boundary) (*Driver, *memCache, *recordingHandler) {
	cache := newMemCache()
	handler := &recordingHandler{}
	d := NewDriver(b, NewDispatcher(b, 200*time.Millisecond), cache, handler, nil)
	return d, cache, handler
}

func TestProcessCachesAndCompletes(t *testing.T) {
	d, cache, handler := newTestDriver(&fakeBoundary{respond: replyWith("21.5")})

	err := d.Process(context.Background(), readOp, testDevice, testObject, "", "tx-1", "op-1")
	require.NoError(t, err)

	cached := cache.GetResponses("boiler", "temperature-get")
	require.Len(t, cached, 1)
	assert.Equal(t, "21.5", cached[0].Value)
	assert.Equal(t, StatusOK, cached[0].Status)
	assert.Equal(t, uint64(1), cached[0].Ticket)

	require.Len(t, handler.done, 1)
	assert.Equal(t, "tx-1", handler.done[0].txID)
	assert.Equal(t, "op-1", handler.done[0].opID)
	assert.Equal(t, cached, handler.done[0].responses)
}

func TestProcessFailureStillCompletes(t *testing.T) {
	d, cache, handler := newTestDriver(&fakeBoundary{}) // never answers

	err := d.Process(context.Background(), readOp, testDevice, testObject, "", "tx-2", "op-2")
	assert.ErrorIs(t, err, ErrProtocolTimeout)

	cached := cache.GetResponses("boiler", "temperature-get")
	require.Len(t, cached, 1)
	assert.Equal(t, StatusTimeout, cached[0].Status)
	assert.Empty(t, cached[0].Value)
	assert.NotEmpty(t, cached[0].Error)

	require.Len(t, handler.done, 1)
	assert.Equal(t, StatusTimeout, handler.done[0].responses[0].Status)
}

func TestProcessUnsupportedOperation(t *testing.T) {
	b := &fakeBoundary{respond: replyWith("x")}
	d, _, handler := newTestDriver(b)

	op := Operation{Name: "temperature-browse", Kind: "browse", Object: "temperature"}
	err := d.Process(context.Background(), op, testDevice, testObject, "", "tx-3", "op-3")
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
	assert.Equal(t, 0, b.calls())

	require.Len(t, handler.done, 1)
	assert.Equal(t, StatusError, handler.done[0].responses[0].Status)
}

func TestProcessWrite(t *testing.T) {
	b := &fakeBoundary{respond: func(env *Envelope) {
		env.Reply.Complete(&Reply{Responses: []ReplyValue{{Value: env.Payload}}}, nil)
	}}
	d, cache, _ := newTestDriver(b)

	require.NoError(t, d.Process(context.Background(), writeOp, testDevice, testObject, "80", "tx-4", "op-4"))
	assert.Equal(t, "80", cache.GetResponses("boiler", "temperature-set")[0].Value)
}

func TestProcessSerializesPerKey(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	b := &fakeBoundary{respond: func(env *Envelope) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		env.Reply.Complete(&Reply{Responses: []ReplyValue{{Value: "v"}}}, nil)
	}}
	d, _, handler := newTestDriver(b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Process(context.Background(), readOp, testDevice, testObject, "", "tx", "op")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
	assert.Len(t, handler.done, 8)
}

func TestSample(t *testing.T) {
	b := &fakeBoundary{respond: func(env *Envelope) {
		if env.Node.ValueAlias == "ns=2;s=Broken" {
			env.Reply.Complete(nil, errors.New("BadNodeIdUnknown"))
			return
		}
		env.Reply.Complete(&Reply{Responses: []ReplyValue{{Value: "1"}}}, nil)
	}}
	d, _, handler := newTestDriver(b)

	objects := []Object{
		testObject,
		{Name: "broken", Attributes: Attributes{ProviderKey: "ns=2;s=Broken"}},
	}
	ops := []Operation{
		readOp,
		writeOp,
		{Name: "broken-get", Kind: "read", Object: "broken"},
		{Name: "ghost-get", Kind: "read", Object: "ghost"},
	}

	responses, err := d.Sample(context.Background(), testDevice, objects, ops)
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, StatusOK, responses[0].Status)
	assert.Equal(t, StatusError, responses[1].Status)
	assert.Empty(t, handler.done, "sampling does not complete transactions")
	assert.Equal(t, 2, b.calls())

	_, err = d.Sample(context.Background(), testDevice, objects[1:], ops[2:3])
	assert.ErrorIs(t, err, ErrProtocolError)
}

type lifecycleBoundary struct {
	fakeBoundary
	startErr     error
	connected    []string
	disconnected []string
}

func (b *lifecycleBoundary) Start() error { return b.startErr }

func (b *lifecycleBoundary) Connect(_ context.Context, endpoint string) error {
	b.connected = append(b.connected, endpoint)
	return errors.New("unreachable")
}

func (b *lifecycleBoundary) Disconnect(_ context.Context, endpoint string) error {
	b.disconnected = append(b.disconnected, endpoint)
	return nil
}

func TestInitializeAndDisconnect(t *testing.T) {
	b := &lifecycleBoundary{}
	d, _, _ := newTestDriver(b)

	require.NoError(t, d.Initialize(context.Background(), []Device{testDevice}))
	assert.Equal(t, []string{"opc.tcp://10.0.0.5:12686/ns=2;s=Sensor1"}, b.connected)

	require.NoError(t, d.DisconnectDevice(context.Background(), testAddressable))
	assert.Equal(t, b.connected, b.disconnected)

	failing := &lifecycleBoundary{startErr: errors.New("no certificate")}
	d, _, _ = newTestDriver(failing)
	assert.Error(t, d.Initialize(context.Background(), nil))
}

func TestDriverDiscover(t *testing.T) {
	d, _, _ := newTestDriver(&fakeBoundary{})
	scan, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, scan)

	d.discoverer = NewDiscoverer([]string{"opc.tcp://lds:4840"}, func(context.Context, string, ...opcua.Option) ([]*ua.ApplicationDescription, error) {
		return []*ua.ApplicationDescription{{
			ApplicationURI:  "urn:plc",
			ApplicationType: ua.ApplicationTypeServer,
			DiscoveryURLs:   []string{"opc.tcp://plc:4840"},
		}}, nil
	})
	scan, err = d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, scan, 1)
	assert.Equal(t, "urn:plc", scan[0]["name"])
}
