package opcua

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// ObjectCache stores the latest responses per (device, operation).
type ObjectCache interface {
	// Acquire locks the key and returns a ticket newer than every ticket
	// issued for it before. release unlocks the key.
	Acquire(device, operation string) (ticket uint64, release func())
	Put(device, operation string, responses ...Response) bool
	GetResponses(device, operation string) []Response
}

// CompletionHandler delivers responses to whoever waits on a transaction.
type CompletionHandler interface {
	CompleteTransaction(txID, opID string, responses []Response) error
}

type starter interface {
	Start() error
}

type connector interface {
	Connect(ctx context.Context, endpoint string) error
}

type disconnector interface {
	Disconnect(ctx context.Context, endpoint string) error
}

// Driver is the command entry point of the device service.
type Driver struct {
	boundary   Boundary
	dispatcher *Dispatcher
	objects    ObjectCache
	handler    CompletionHandler
	discoverer *Discoverer
	now        func() time.Time
}

// NewDriver wires a driver. discoverer may be nil when discovery is off.
func NewDriver(boundary Boundary, dispatcher *Dispatcher, objects ObjectCache, handler CompletionHandler, discoverer *Discoverer) *Driver {
	return &Driver{
		boundary:   boundary,
		dispatcher: dispatcher,
		objects:    objects,
		handler:    handler,
		discoverer: discoverer,
		now:        time.Now,
	}
}

// Initialize starts the protocol boundary and opens sessions to the known
// devices. A boundary start failure is returned; unreachable devices are
// only logged since sessions are opened again on demand.
func (d *Driver) Initialize(ctx context.Context, devices []Device) error {
	if s, ok := d.boundary.(starter); ok {
		if err := s.Start(); err != nil {
			return err
		}
	}
	c, ok := d.boundary.(connector)
	if !ok {
		return nil
	}
	for _, dev := range devices {
		endpoint := EndpointURI(dev.Addressable)
		if err := c.Connect(ctx, endpoint); err != nil {
			logrus.Warnf("OPC-UA: device %s not reachable at %s: %v", dev.Name, endpoint, err)
		}
	}
	return nil
}

// Process dispatches operation against object of device, caches the result
// and completes the transaction with the cached responses. The transaction
// is completed on failure too, with an error-marked response, and the
// dispatch error is returned.
func (d *Driver) Process(ctx context.Context, operation Operation, device Device, object Object,
	value, txID, opID string) error {

	responses, err := d.execute(ctx, operation, device, object, value, txID, opID)
	if cerr := d.handler.CompleteTransaction(txID, opID, responses); cerr != nil {
		logrus.Warnf("OPC-UA: completing transaction %s: %v", txID, cerr)
	}
	return err
}

func (d *Driver) execute(ctx context.Context, operation Operation, device Device, object Object,
	value, txID, opID string) ([]Response, error) {

	ticket, release := d.objects.Acquire(device.Name, operation.Name)
	defer release()

	result, err := d.dispatcher.Dispatch(ctx, operation.Kind, device.Addressable, object.Attributes,
		operation.Parameter, value, 0)

	resp := Response{
		Device:        device.Name,
		Operation:     operation.Name,
		Object:        object.Name,
		TransactionID: txID,
		OpID:          opID,
		Value:         result,
		Status:        StatusFor(err),
		Ticket:        ticket,
		Timestamp:     d.now(),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	d.objects.Put(device.Name, operation.Name, resp)
	return d.objects.GetResponses(device.Name, operation.Name), err
}

// Sample reads every object of device that has a read operation, caching
// each result. It fails only when every read failed.
func (d *Driver) Sample(ctx context.Context, device Device, objects []Object, operations []Operation) ([]Response, error) {
	byName := make(map[string]Object, len(objects))
	for _, o := range objects {
		byName[o.Name] = o
	}

	var (
		out      []Response
		errs     []error
		attempts int
	)
	for _, op := range operations {
		if kind, err := ParseCommandKind(op.Kind); err != nil || kind != CommandRead {
			continue
		}
		obj, ok := byName[op.Object]
		if !ok {
			continue
		}
		attempts++
		responses, err := d.execute(ctx, op, device, obj, "", "", "")
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", obj.Name, err))
		}
		out = append(out, responses...)
	}

	if len(errs) > 0 && len(errs) == attempts {
		return out, errors.Join(errs...)
	}
	return out, nil
}

// DisconnectDevice closes the session to the device's endpoint.
func (d *Driver) DisconnectDevice(ctx context.Context, addressable Addressable) error {
	if dc, ok := d.boundary.(disconnector); ok {
		return dc.Disconnect(ctx, EndpointURI(addressable))
	}
	return nil
}

// Discover scans for OPC-UA servers. Without a discoverer it returns an
// empty scan.
func (d *Driver) Discover(ctx context.Context) ([]map[string]string, error) {
	if d.discoverer == nil {
		return nil, nil
	}
	return d.discoverer.Discover(ctx)
}
