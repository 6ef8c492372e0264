package opcua

import (
	"context"
	"sync"
	"time"
)

// NodeInfo identifies the node an envelope targets.
type NodeInfo struct {
	ValueAlias string
}

// Envelope is a protocol-neutral request handed to the Boundary. The
// boundary resolves Reply exactly once, from its own goroutine.
type Envelope struct {
	Endpoint string
	Node     NodeInfo
	Command  CommandKind
	Payload  string
	Reply    *Future
}

// ReplyValue is one element of a boundary reply.
type ReplyValue struct {
	Node  string
	Value string
}

// Reply carries the response elements of a completed request.
type Reply struct {
	Responses []ReplyValue
}

// Boundary is the protocol engine requests are submitted to.
type Boundary interface {
	// Send submits env and returns immediately. The outcome is delivered
	// through env.Reply. A non-nil error means nothing was submitted.
	Send(env *Envelope) error
}

// Future is a single-resolution slot. The first Complete wins, later calls
// are dropped.
type Future struct {
	once  sync.Once
	done  chan struct{}
	reply *Reply
	err   error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future. It reports whether this call resolved it.
func (f *Future) Complete(reply *Reply, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.reply = reply
		f.err = err
		resolved = true
		close(f.done)
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves, ctx is done or timeout elapses. On
// timeout or cancellation the future is resolved with the failure itself so
// a late boundary callback cannot resolve it afterwards.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) (*Reply, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
	case <-timer.C:
		f.Complete(nil, ErrProtocolTimeout)
	case <-ctx.Done():
		f.Complete(nil, ctx.Err())
	}
	<-f.done
	return f.reply, f.err
}
