package logic

import (
	"errors"
	"fmt"
	"sync"
	"time"

	opcua "device-opcua/driver/opcua"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTransactionNotFound is returned when completing or cancelling a
	// transaction that is unknown or already completed.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransactionExists is returned when registering an id twice.
	ErrTransactionExists = errors.New("transaction already registered")
)

// Completion is delivered to the registrant of a transaction.
type Completion struct {
	TransactionID string
	OpID          string
	Responses     []opcua.Response
	At            time.Time
}

// Transactions correlates completed operations with the callers waiting
// for them. Each transaction is completed at most once.
type Transactions struct {
	mu      sync.Mutex
	pending map[string]chan Completion
}

func NewTransactions() *Transactions {
	return &Transactions{pending: make(map[string]chan Completion)}
}

// NewTransactionID returns a fresh random transaction id.
func NewTransactionID() string {
	return uuid.NewString()
}

// Register opens a transaction. The returned channel receives exactly one
// Completion, unless the transaction is cancelled.
func (t *Transactions) Register(txID string) (<-chan Completion, error) {
	if txID == "" {
		return nil, fmt.Errorf("%w: empty transaction id", opcua.ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[txID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionExists, txID)
	}
	ch := make(chan Completion, 1)
	t.pending[txID] = ch
	return ch, nil
}

// CompleteTransaction delivers responses to the registrant of txID and
// discards the transaction. A second call for the same id returns
// ErrTransactionNotFound and changes nothing.
func (t *Transactions) CompleteTransaction(txID, opID string, responses []opcua.Response) error {
	t.mu.Lock()
	ch, ok := t.pending[txID]
	delete(t.pending, txID)
	t.mu.Unlock()

	if !ok {
		if txID != "" {
			logrus.Debugf("OPC-UA: completion for unknown transaction %s (op %s)", txID, opID)
		}
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}

	ch <- Completion{
		TransactionID: txID,
		OpID:          opID,
		Responses:     append([]opcua.Response(nil), responses...),
		At:            time.Now(),
	}
	close(ch)
	return nil
}

// Cancel discards a pending transaction without completing it. Its channel
// is closed so a waiter sees a zero Completion.
func (t *Transactions) Cancel(txID string) error {
	t.mu.Lock()
	ch, ok := t.pending[txID]
	delete(t.pending, txID)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	close(ch)
	return nil
}

// Pending returns the number of open transactions.
func (t *Transactions) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
