package opcua

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds a dispatch when the caller passes no timeout.
const DefaultTimeout = 10 * time.Second

// Dispatcher turns read/write operations into envelopes, submits them to the
// protocol boundary and waits a bounded time for the reply.
type Dispatcher struct {
	boundary Boundary
	timeout  time.Duration
}

// NewDispatcher returns a Dispatcher sending through b. A timeout <= 0
// selects DefaultTimeout.
func NewDispatcher(b Boundary, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{boundary: b, timeout: timeout}
}

// Timeout returns the dispatcher's default wait.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Dispatch executes one operation against the device behind addressable and
// returns the first value of the reply. parameter is carried for logging
// only; the node comes from attributes.
//
// A WRITE needs a non-empty value. Errors are ErrUnsupportedOperation,
// ErrInvalidArgument, ErrProtocolTimeout or ErrProtocolError, never a
// default value.
func (d *Dispatcher) Dispatch(ctx context.Context, operation string, addressable Addressable,
	attributes Attributes, parameter, value string, timeout time.Duration) (string, error) {

	kind, err := ParseCommandKind(operation)
	if err != nil {
		logrus.Debugf("OPC-UA: operation is not supported: %q", operation)
		return "", fmt.Errorf("%w: %q", ErrUnsupportedOperation, operation)
	}
	if attributes.ProviderKey == "" {
		return "", fmt.Errorf("%w: empty provider key", ErrInvalidArgument)
	}
	if kind == CommandWrite && value == "" {
		return "", fmt.Errorf("%w: write without value", ErrInvalidArgument)
	}
	if timeout <= 0 {
		timeout = d.timeout
	}

	env := &Envelope{
		Endpoint: EndpointURI(addressable),
		Node:     NodeInfo{ValueAlias: attributes.ProviderKey},
		Command:  kind,
		Reply:    NewFuture(),
	}
	if kind == CommandWrite {
		env.Payload = value
	}

	logrus.Debugf("OPC-UA: dispatch %s endpoint=%s node=%s parameter=%s", kind, env.Endpoint, env.Node.ValueAlias, parameter)

	if err := d.boundary.Send(env); err != nil {
		env.Reply.Complete(nil, err)
		return "", fmt.Errorf("%w: send %s to %s: %v", ErrProtocolError, kind, env.Endpoint, err)
	}

	reply, err := env.Reply.Wait(ctx, timeout)
	switch {
	case errors.Is(err, ErrProtocolTimeout), errors.Is(err, context.DeadlineExceeded):
		logrus.Warnf("OPC-UA: %s of %s on %s timed out after %s", kind, env.Node.ValueAlias, env.Endpoint, timeout)
		return "", fmt.Errorf("%w: %s %s on %s", ErrProtocolTimeout, kind, env.Node.ValueAlias, env.Endpoint)
	case err != nil:
		logrus.Errorf("OPC-UA: %s of %s on %s failed: %v", kind, env.Node.ValueAlias, env.Endpoint, err)
		return "", fmt.Errorf("%w: %s %s on %s: %w", ErrProtocolError, kind, env.Node.ValueAlias, env.Endpoint, err)
	}

	if reply == nil || len(reply.Responses) == 0 {
		return "", fmt.Errorf("%w: empty reply for %s on %s", ErrProtocolError, env.Node.ValueAlias, env.Endpoint)
	}
	return reply.Responses[0].Value, nil
}
