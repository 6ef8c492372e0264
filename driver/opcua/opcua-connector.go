package opcua

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"
)

// ProtocolManager is the gopcua-backed Boundary. It keeps one session per
// endpoint and serves every envelope on its own goroutine.
type ProtocolManager struct {
	cfg  ClientConfig
	opts []opcua.Option

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type session struct {
	mu     sync.Mutex
	client *opcua.Client
}

// NewProtocolManager returns a manager that is not yet started.
func NewProtocolManager(cfg ClientConfig) *ProtocolManager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProtocolManager{
		cfg:      cfg,
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start prepares the session options, generating a client certificate if a
// secure mode requires one. Its error is fatal to service startup.
func (m *ProtocolManager) Start() error {
	opts, err := clientOpts(m.cfg)
	if err != nil {
		return fmt.Errorf("OPC-UA: failed to build client options: %w", err)
	}
	m.mu.Lock()
	m.opts = opts
	m.mu.Unlock()
	logrus.Infof("OPC-UA: protocol manager started (security mode %s, policy %s)", m.cfg.SecurityMode, m.cfg.SecurityPolicy)
	return nil
}

// Send implements Boundary.
func (m *ProtocolManager) Send(env *Envelope) error {
	if env == nil || env.Reply == nil {
		return ErrInvalidArgument
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrBoundaryClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		reply, err := m.execute(env)
		env.Reply.Complete(reply, err)
	}()
	return nil
}

func (m *ProtocolManager) execute(env *Envelope) (*Reply, error) {
	if !strings.HasPrefix(env.Endpoint, schemeOPCTCP) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEndpoint, env.Endpoint)
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.RequestTimeout)
	defer cancel()

	client, err := m.session(ctx, env.Endpoint)
	if err != nil {
		return nil, err
	}

	var reply *Reply
	switch env.Command {
	case CommandRead:
		var values []ReplyValue
		values, err = readData(ctx, client, []string{env.Node.ValueAlias})
		reply = &Reply{Responses: values}
	case CommandWrite:
		var written string
		written, err = updateDataNode(ctx, client, env.Node.ValueAlias, env.Payload)
		reply = &Reply{Responses: []ReplyValue{{Node: env.Node.ValueAlias, Value: written}}}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedOperation, env.Command)
	}
	if err != nil {
		if transportFault(err) {
			m.dropSession(ctx, env.Endpoint)
		}
		return nil, err
	}
	return reply, nil
}

// transportFault reports whether err leaves the session unusable. Server
// status codes and malformed requests keep the session.
func transportFault(err error) bool {
	var status ua.StatusCode
	if errors.As(err, &status) {
		return false
	}
	return !errors.Is(err, ErrInvalidArgument)
}

// Connect opens the session for endpoint ahead of the first request.
func (m *ProtocolManager) Connect(ctx context.Context, endpoint string) error {
	if !strings.HasPrefix(endpoint, schemeOPCTCP) {
		return fmt.Errorf("%w: %s", ErrUnsupportedEndpoint, endpoint)
	}
	_, err := m.session(ctx, endpoint)
	return err
}

// Disconnect closes the session for endpoint, if any.
func (m *ProtocolManager) Disconnect(ctx context.Context, endpoint string) error {
	m.mu.Lock()
	s, ok := m.sessions[endpoint]
	delete(m.sessions, endpoint)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close(ctx)
	s.client = nil
	logrus.Infof("OPC-UA: disconnected from %s", endpoint)
	return err
}

// Close stops accepting envelopes, waits for in-flight ones and closes all
// sessions.
func (m *ProtocolManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	endpoints := make([]string, 0, len(m.sessions))
	for ep := range m.sessions {
		endpoints = append(endpoints, ep)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	var errs []error
	for _, ep := range endpoints {
		if err := m.Disconnect(ctx, ep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *ProtocolManager) session(ctx context.Context, endpoint string) (*opcua.Client, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrBoundaryClosed
	}
	s, ok := m.sessions[endpoint]
	if !ok {
		s = &session{}
		m.sessions[endpoint] = s
	}
	opts := m.opts
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	client, err := opcua.NewClient(endpoint, opts...)
	if err != nil {
		logrus.Errorf("OPC-UA: failed to create OPC-UA client for %s: %v", endpoint, err)
		return nil, fmt.Errorf("failed to create OPC-UA client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		logrus.Errorf("OPC-UA: failed to connect to OPC-UA server %s: %v", endpoint, err)
		return nil, fmt.Errorf("failed to connect to OPC-UA server: %w", err)
	}
	logrus.Infof("OPC-UA: connected to %s", endpoint)
	s.client = client
	return client, nil
}

func (m *ProtocolManager) dropSession(ctx context.Context, endpoint string) {
	if err := m.Disconnect(ctx, endpoint); err != nil {
		logrus.Warnf("OPC-UA: closing broken session to %s: %v", endpoint, err)
	}
}

// readData reads the value attribute of every node.
func readData(ctx context.Context, client *opcua.Client, nodes []string) ([]ReplyValue, error) {
	req := &ua.ReadRequest{
		NodesToRead:        make([]*ua.ReadValueID, len(nodes)),
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	for i, node := range nodes {
		id, err := ua.ParseNodeID(node)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse node ID %q: %v", ErrInvalidArgument, node, err)
		}
		req.NodesToRead[i] = &ua.ReadValueID{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
		}
	}

	resp, err := client.Read(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("reading data failed: %w", err)
	}
	return convData(resp.Results, nodes)
}

// updateDataNode writes raw to node, converted to the type the node holds
// now. It returns the written value as stored.
func updateDataNode(ctx context.Context, client *opcua.Client, node, raw string) (string, error) {
	id, err := ua.ParseNodeID(node)
	if err != nil {
		return "", fmt.Errorf("%w: failed to parse node ID %q: %v", ErrInvalidArgument, node, err)
	}

	current, err := client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{NodeID: id, AttributeID: ua.AttributeIDValue}},
	})
	if err != nil {
		return "", fmt.Errorf("reading current value failed: %w", err)
	}
	var currentValue interface{}
	if len(current.Results) > 0 && current.Results[0].Status == ua.StatusOK && current.Results[0].Value != nil {
		currentValue = current.Results[0].Value.Value()
	}

	value, err := ParseValue(raw, currentValue)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	variant, err := ua.NewVariant(value)
	if err != nil {
		return "", fmt.Errorf("%w: cannot encode %q: %v", ErrInvalidArgument, raw, err)
	}

	resp, err := client.Write(ctx, &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{
			{
				NodeID:      id,
				AttributeID: ua.AttributeIDValue,
				Value: &ua.DataValue{
					EncodingMask: ua.DataValueValue,
					Value:        variant,
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("write failed: %w", err)
	}
	if len(resp.Results) == 0 {
		return "", fmt.Errorf("write returned no result")
	}
	if resp.Results[0] != ua.StatusOK {
		return "", fmt.Errorf("write failed with status: %w", resp.Results[0])
	}
	logrus.Debugf("OPC-UA: data node '%s' updated successfully", node)
	return FormatValue(value), nil
}
