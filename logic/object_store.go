package logic

import (
	"sync"

	opcua "device-opcua/driver/opcua"

	"github.com/sirupsen/logrus"
)

type objectKey struct {
	device    string
	operation string
}

type objectEntry struct {
	lock    sync.Mutex
	tickets uint64 // last ticket issued, guarded by ObjectStore.mu
	latest  uint64 // ticket of the cached responses, guarded by ObjectStore.mu
	cached  []opcua.Response
}

// ObjectStore caches the latest responses per (device, operation). Callers
// bracket dispatch and Put with Acquire/release so one key never has two
// writers; the ticket lets Put drop a completion that was overtaken.
type ObjectStore struct {
	mu      sync.Mutex
	entries map[objectKey]*objectEntry
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{entries: make(map[objectKey]*objectEntry)}
}

func (s *ObjectStore) entry(device, operation string) *objectEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := objectKey{device, operation}
	e, ok := s.entries[k]
	if !ok {
		e = &objectEntry{}
		s.entries[k] = e
	}
	return e
}

// Acquire locks the key and issues a ticket newer than every ticket issued
// for it before. release unlocks the key and is safe to call more than once.
func (s *ObjectStore) Acquire(device, operation string) (uint64, func()) {
	e := s.entry(device, operation)
	e.lock.Lock()

	s.mu.Lock()
	e.tickets++
	ticket := e.tickets
	s.mu.Unlock()

	var once sync.Once
	return ticket, func() { once.Do(e.lock.Unlock) }
}

// Put replaces the cached responses of the key. Responses carrying a ticket
// older than the cached one are dropped, as is an exact duplicate of the
// cached completion. A zero ticket is an unguarded write. Put reports
// whether the cache changed.
func (s *ObjectStore) Put(device, operation string, responses ...opcua.Response) bool {
	e := s.entry(device, operation)

	var ticket uint64
	var txID string
	if len(responses) > 0 {
		ticket = responses[0].Ticket
		txID = responses[0].TransactionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ticket != 0 {
		if ticket < e.latest {
			logrus.Debugf("OPC-UA: dropping stale response for %s/%s (ticket %d < %d)", device, operation, ticket, e.latest)
			return false
		}
		if ticket == e.latest && len(e.cached) > 0 && e.cached[0].TransactionID == txID {
			return false
		}
		e.latest = ticket
	}
	e.cached = append([]opcua.Response(nil), responses...)
	return true
}

// Get returns the latest response of the key.
func (s *ObjectStore) Get(device, operation string) (opcua.Response, bool) {
	responses := s.GetResponses(device, operation)
	if len(responses) == 0 {
		return opcua.Response{}, false
	}
	return responses[0], true
}

// GetResponses returns a copy of the cached responses of the key, in the
// order they were put.
func (s *ObjectStore) GetResponses(device, operation string) []opcua.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[objectKey{device, operation}]
	if !ok || len(e.cached) == 0 {
		return nil
	}
	return append([]opcua.Response(nil), e.cached...)
}

// Forget drops the cached responses of every key of device. The key locks
// and ticket counters stay, so a writer still holding a key keeps exclusion
// and its completion is dropped as stale.
func (s *ObjectStore) Forget(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if k.device == device {
			e.cached = nil
			e.latest = e.tickets + 1
		}
	}
}
