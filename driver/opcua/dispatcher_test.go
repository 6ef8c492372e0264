package opcua

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBoundary records envelopes and answers them with respond, if set.
type fakeBoundary struct {
	mu      sync.Mutex
	sent    []*Envelope
	sendErr error
	respond func(env *Envelope)
}

func (b *fakeBoundary) Send(env *Envelope) error {
	b.mu.Lock()
	b.sent = append(b.sent, env)
	respond := b.respond
	b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	if respond != nil {
		go respond(env)
	}
	return nil
}

func (b *fakeBoundary) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *fakeBoundary) last() *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[len(b.sent)-1]
}

func replyWith(value string) func(*Envelope) {
	return func(env *Envelope) {
		env.Reply.Complete(&Reply{Responses: []ReplyValue{{Node: env.Node.ValueAlias, Value: value}}}, nil)
	}
}

var (
	testAddressable = Addressable{Protocol: ProtocolTCP, Address: "10.0.0.5", Port: 12686, Path: "ns=2;s=Sensor1"}
	testAttributes  = Attributes{ProviderKey: "ns=2;s=Temperature"}
)

func TestDispatchRead(t *testing.T) {
	b := &fakeBoundary{respond: replyWith("21.5")}
	d := NewDispatcher(b, time.Second)

	got, err := d.Dispatch(context.Background(), "get", testAddressable, testAttributes, "temperature", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "21.5", got)

	env := b.last()
	assert.Equal(t, "opc.tcp://10.0.0.5:12686/ns=2;s=Sensor1", env.Endpoint)
	assert.Equal(t, "ns=2;s=Temperature", env.Node.ValueAlias)
	assert.Equal(t, CommandRead, env.Command)
	assert.Empty(t, env.Payload)
}

func TestDispatchWriteCarriesValue(t *testing.T) {
	b := &fakeBoundary{respond: replyWith("42")}
	d := NewDispatcher(b, time.Second)

	got, err := d.Dispatch(context.Background(), "SET", testAddressable, testAttributes, "setpoint", "42", 0)
	require.NoError(t, err)
	assert.Equal(t, "42", got)
	assert.Equal(t, CommandWrite, b.last().Command)
	assert.Equal(t, "42", b.last().Payload)
}

func TestDispatchUnsupportedOperationSkipsBoundary(t *testing.T) {
	b := &fakeBoundary{respond: replyWith("x")}
	d := NewDispatcher(b, time.Second)

	for _, op := range []string{"", "delete", "browse", "subscribe"} {
		got, err := d.Dispatch(context.Background(), op, testAddressable, testAttributes, "", "", 0)
		assert.ErrorIs(t, err, ErrUnsupportedOperation, op)
		assert.Empty(t, got)
	}
	assert.Equal(t, 0, b.calls())
}

func TestDispatchInvalidArguments(t *testing.T) {
	b := &fakeBoundary{}
	d := NewDispatcher(b, time.Second)

	_, err := d.Dispatch(context.Background(), "read", testAddressable, Attributes{}, "", "", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = d.Dispatch(context.Background(), "write", testAddressable, testAttributes, "", "", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Equal(t, 0, b.calls())
}

func TestDispatchTimeout(t *testing.T) {
	b := &fakeBoundary{} // never responds
	d := NewDispatcher(b, time.Second)

	timeout := 100 * time.Millisecond
	start := time.Now()
	got, err := d.Dispatch(context.Background(), "read", testAddressable, testAttributes, "", "", timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrProtocolTimeout)
	assert.NotErrorIs(t, err, ErrProtocolError)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)

	// a late reply cannot resolve the envelope any more
	assert.False(t, b.last().Reply.Complete(&Reply{Responses: []ReplyValue{{Value: "late"}}}, nil))
}

func TestDispatchBoundaryFault(t *testing.T) {
	fault := errors.New("BadNodeIdUnknown")
	b := &fakeBoundary{respond: func(env *Envelope) { env.Reply.Complete(nil, fault) }}
	d := NewDispatcher(b, time.Second)

	_, err := d.Dispatch(context.Background(), "read", testAddressable, testAttributes, "", "", 0)
	assert.ErrorIs(t, err, ErrProtocolError)
	assert.ErrorIs(t, err, fault)
}

func TestDispatchSendRejected(t *testing.T) {
	b := &fakeBoundary{sendErr: ErrBoundaryClosed}
	d := NewDispatcher(b, time.Second)

	_, err := d.Dispatch(context.Background(), "read", testAddressable, testAttributes, "", "", 0)
	assert.ErrorIs(t, err, ErrProtocolError)
	assert.False(t, b.last().Reply.Complete(nil, nil))
}

func TestDispatchEmptyReplyIsAnError(t *testing.T) {
	b := &fakeBoundary{respond: func(env *Envelope) { env.Reply.Complete(&Reply{}, nil) }}
	d := NewDispatcher(b, time.Second)

	got, err := d.Dispatch(context.Background(), "read", testAddressable, testAttributes, "", "", 0)
	assert.ErrorIs(t, err, ErrProtocolError)
	assert.Empty(t, got)
}

func TestNewDispatcherDefaultTimeout(t *testing.T) {
	assert.Equal(t, DefaultTimeout, NewDispatcher(&fakeBoundary{}, 0).Timeout())
	assert.Equal(t, 10*time.Second, DefaultTimeout)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusOK, StatusFor(nil))
	assert.Equal(t, StatusTimeout, StatusFor(ErrProtocolTimeout))
	assert.Equal(t, StatusError, StatusFor(ErrProtocolError))
	assert.Equal(t, StatusError, StatusFor(ErrUnsupportedOperation))
}
