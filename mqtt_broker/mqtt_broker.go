package mqtt_broker

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"device-opcua/config"

	MQTT "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTransportState is returned for Start on a started publisher and for
	// Stop or a publish on a stopped one.
	ErrTransportState = errors.New("transport in wrong state")
	// ErrInvalidArgument is returned for a nil event or an empty topic.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Options configure the embedded broker behind the publisher.
type Options struct {
	// AuthLedger is the YAML auth/acl document for the auth hook. It is
	// ignored when AllowAll is set.
	AuthLedger []byte
	AllowAll   bool
	// TLSConfig is used by the main listener when TLS is set and by extra
	// listeners that ask for TLS.
	TLSConfig *tls.Config
	TLS       bool
	Listeners []config.ListenerConfig
	// EventTopic is the topic prefix Publish uses.
	EventTopic string
}

// Publisher is the process-wide event publisher. It owns an embedded MQTT
// broker that is STOPPED until Start and STOPPED again after Stop.
type Publisher struct {
	opts Options

	mu     sync.RWMutex
	server *MQTT.Server
	addr   string
}

// New returns a stopped publisher.
func New(opts Options) *Publisher {
	if opts.EventTopic == "" {
		opts.EventTopic = "events/opcua"
	}
	return &Publisher{opts: opts}
}

// Start binds the broker to port and starts serving. A bind failure is
// returned and leaves the publisher stopped.
func (p *Publisher) Start(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		return fmt.Errorf("%w: already started", ErrTransportState)
	}

	s := MQTT.New(&MQTT.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	if p.opts.AllowAll {
		if err := s.AddHook(new(auth.AllowHook), nil); err != nil {
			return fmt.Errorf("MQTT-Broker: failed to add allow hook: %w", err)
		}
	} else {
		if err := s.AddHook(new(auth.Hook), &auth.Options{Data: p.opts.AuthLedger}); err != nil {
			return fmt.Errorf("MQTT-Broker: failed to add auth hook: %w", err)
		}
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:        "tcp-main",
		Address:   fmt.Sprintf(":%d", port),
		TLSConfig: getTLSConfig(p.opts.TLS, p.opts.TLSConfig),
	})
	if err := s.AddListener(tcp); err != nil {
		s.Close()
		return fmt.Errorf("MQTT-Broker: failed to bind port %d: %w", port, err)
	}

	if err := createListeners(s, p.opts.Listeners, p.opts.TLSConfig); err != nil {
		s.Close()
		return err
	}

	if err := s.Serve(); err != nil {
		s.Close()
		return fmt.Errorf("MQTT-Broker: serve error: %w", err)
	}

	p.server = s
	p.addr = tcp.Address()
	logrus.Infof("MQTT-Broker: started on %s", p.addr)
	return nil
}

// Stop closes the broker.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server == nil {
		return fmt.Errorf("%w: not started", ErrTransportState)
	}
	err := p.server.Close()
	p.server = nil
	p.addr = ""
	logrus.Info("MQTT-Broker: stopped")
	return err
}

// Running reports whether the publisher is started.
func (p *Publisher) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.server != nil
}

// Addr returns the address of the main listener while started.
func (p *Publisher) Addr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addr
}

// Info returns the broker's system counters while started.
func (p *Publisher) Info() (clients, messages int64, uptime int64, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.server == nil {
		return 0, 0, 0, false
	}
	info := p.server.Info.Clone()
	return info.ClientsConnected, info.MessagesReceived, info.Uptime, true
}

func createListeners(s *MQTT.Server, cfgs []config.ListenerConfig, tlsConfig *tls.Config) error {
	for _, listener := range cfgs {
		var l listeners.Listener
		lc := listeners.Config{
			ID:        listener.ID,
			Address:   listener.Address,
			TLSConfig: getTLSConfig(listener.TLS, tlsConfig),
		}

		switch listener.Type {
		case "tcp":
			l = listeners.NewTCP(lc)
		case "websocket":
			l = listeners.NewWebsocket(lc)
		case "http":
			l = listeners.NewHTTPStats(lc, s.Info)
		default:
			logrus.Warnf("MQTT-Broker: unknown listener type %q", listener.Type)
			continue
		}

		if err := s.AddListener(l); err != nil {
			return fmt.Errorf("MQTT-Broker: error adding listener %s: %w", listener.ID, err)
		}
	}
	return nil
}

func getTLSConfig(tlsRequired bool, tlsConfig *tls.Config) *tls.Config {
	if tlsRequired {
		return tlsConfig
	}
	return nil
}
