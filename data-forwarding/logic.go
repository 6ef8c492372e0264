package dataforwarding

import (
	"fmt"
	"strings"
	"sync"

	"device-opcua/config"

	"github.com/sirupsen/logrus"
)

// Sink is one forwarding destination.
type Sink interface {
	Send(topic string, payload []byte) error
	String() string
}

type message struct {
	topic   string
	payload []byte
}

// route feeds one sink from its own queue so a slow destination never
// blocks the broker's delivery path. Messages are dropped when the queue is
// full.
type route struct {
	id    int
	sink  Sink
	queue chan message
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func (r *route) enqueue(topic string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- message{topic: topic, payload: append([]byte(nil), payload...)}:
	default:
		logrus.Warnf("FWD: %s queue full, dropping message on %s", r.sink, topic)
	}
}

// close stops accepting messages and waits for the queue to drain.
func (r *route) close() {
	r.mu.Lock()
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *route) run() {
	defer close(r.done)
	for msg := range r.queue {
		if err := r.sink.Send(msg.topic, msg.payload); err != nil {
			logrus.Errorf("FWD: error forwarding to %s: %v", r.sink, err)
		}
	}
}

// Routes forwards the events below an event topic to a set of sinks.
type Routes struct {
	sub    Subscriber
	filter string

	mu     sync.Mutex
	routes []*route
}

// StartDataRoutes starts a route for every destination set in cfg besides
// the external broker.
func StartDataRoutes(cfg config.ForwardingConfig, eventTopic string, sub Subscriber) (*Routes, error) {
	var sinks []Sink
	if cfg.FilePath != "" {
		sinks = append(sinks, NewFileSink(cfg.FilePath))
	}
	if cfg.RESTURL != "" {
		sinks = append(sinks, NewRESTSink(cfg.RESTURL, cfg.RESTHeaders))
	}
	return startRoutes(sinks, cfg.QueueSize, eventTopic, sub)
}

func startRoutes(sinks []Sink, queueSize int, eventTopic string, sub Subscriber) (*Routes, error) {
	if queueSize <= 0 {
		queueSize = 100
	}
	r := &Routes{sub: sub, filter: strings.TrimSuffix(eventTopic, "/") + "/#"}
	for i, sink := range sinks {
		rt := &route{
			id:    subscriptionID + 1 + i,
			sink:  sink,
			queue: make(chan message, queueSize),
			done:  make(chan struct{}),
		}
		go rt.run()
		if err := sub.Subscribe(r.filter, rt.id, rt.enqueue); err != nil {
			rt.close()
			r.Stop()
			return nil, fmt.Errorf("FWD: subscribing %s for %s: %w", r.filter, sink, err)
		}
		r.mu.Lock()
		r.routes = append(r.routes, rt)
		r.mu.Unlock()
		logrus.Infof("FWD: forwarding %s to %s", r.filter, sink)
	}
	return r, nil
}

// Stop unsubscribes every route and waits for the queued messages to be sent.
func (r *Routes) Stop() {
	r.mu.Lock()
	routes := r.routes
	r.routes = nil
	r.mu.Unlock()

	for _, rt := range routes {
		if err := r.sub.Unsubscribe(r.filter, rt.id); err != nil {
			logrus.Debugf("FWD: unsubscribe %s: %v", rt.sink, err)
		}
		rt.close()
	}
}

// Len returns the number of running routes.
func (r *Routes) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}
