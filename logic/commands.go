package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	opcua "device-opcua/driver/opcua"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownDevice is returned for a command on a device or object that
	// is not in the metadata store.
	ErrUnknownDevice = errors.New("unknown device or object")
	// ErrNoOperation is returned when the device profile has no operation
	// matching the command.
	ErrNoOperation = errors.New("no matching operation")
)

// Processor is the command entry point of the driver.
type Processor interface {
	Process(ctx context.Context, operation opcua.Operation, device opcua.Device, object opcua.Object,
		value, txID, opID string) error
}

// Commands accepts get/set commands from the front-ends, runs them through
// the driver and waits for the transaction to complete.
type Commands struct {
	store        *DeviceStore
	driver       Processor
	transactions *Transactions
	timeout      time.Duration
}

// NewCommands returns a command service. timeout bounds the wait for a
// transaction and should exceed the dispatch timeout.
func NewCommands(store *DeviceStore, driver Processor, transactions *Transactions, timeout time.Duration) *Commands {
	if timeout <= 0 {
		timeout = opcua.DefaultTimeout + 5*time.Second
	}
	return &Commands{store: store, driver: driver, transactions: transactions, timeout: timeout}
}

// Execute runs operation (an operation name of the device profile or a
// command kind such as get or set) on object of device. The returned result
// holds the cached responses; the error is the dispatch error, if any.
func (c *Commands) Execute(ctx context.Context, device, object, operation, value string) (*CommandResult, error) {
	dev, ok := c.store.Device(device)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}
	obj, ok := c.store.Object(device, object)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownDevice, device, object)
	}
	op, ok := c.store.FindOperation(device, object, operation)
	if !ok {
		if _, err := opcua.ParseCommandKind(operation); err != nil {
			return nil, fmt.Errorf("%w: %q", opcua.ErrUnsupportedOperation, operation)
		}
		return nil, fmt.Errorf("%w: %s on %s/%s", ErrNoOperation, operation, device, object)
	}

	txID := NewTransactionID()
	done, err := c.transactions.Register(txID)
	if err != nil {
		return nil, err
	}

	processErr := make(chan error, 1)
	go func() {
		processErr <- c.driver.Process(ctx, op, dev, obj, value, txID, op.Name)
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case completion, ok := <-done:
		if !ok {
			return nil, fmt.Errorf("%w: %s cancelled", ErrTransactionNotFound, txID)
		}
		result := &CommandResult{
			TransactionID: txID,
			Device:        device,
			Object:        object,
			Operation:     op.Name,
			Responses:     completion.Responses,
			Completed:     completion.At,
		}
		return result, <-processErr
	case <-ctx.Done():
		c.cancel(txID)
		return nil, ctx.Err()
	case <-timer.C:
		c.cancel(txID)
		return nil, fmt.Errorf("%w: transaction %s not completed in %s", opcua.ErrProtocolTimeout, txID, c.timeout)
	}
}

func (c *Commands) cancel(txID string) {
	if err := c.transactions.Cancel(txID); err != nil {
		logrus.Debugf("OPC-UA: cancel %s: %v", txID, err)
	}
}
