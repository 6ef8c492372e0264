package logic

import (
	"sync"

	opcua "device-opcua/driver/opcua"
)

// Publish policies of a sampled device.
const (
	PolicyCyclic   = "cyclic"
	PolicyOnChange = "on-change"
)

// PublishPolicy decides which sampled values are published. It remembers the
// last published value per (device, object).
type PublishPolicy struct {
	mu              sync.Mutex
	lastKnownValues map[string]string
}

func NewPublishPolicy() *PublishPolicy {
	return &PublishPolicy{lastKnownValues: make(map[string]string)}
}

// ShouldSendData reports whether value of object should be published under
// policy. Cyclic sends every sample; on-change sends the first value and
// every value that differs from the last one sent. Unknown policies behave
// like cyclic.
func (p *PublishPolicy) ShouldSendData(device, object, value, policy string) bool {
	key := device + "/" + object

	p.mu.Lock()
	defer p.mu.Unlock()

	switch policy {
	case PolicyOnChange:
		if lastValue, ok := p.lastKnownValues[key]; ok && lastValue == value {
			return false
		}
	}
	p.lastKnownValues[key] = value
	return true
}

// Filter returns the successful responses that should be published.
func (p *PublishPolicy) Filter(device opcua.Device, responses []opcua.Response) []opcua.Response {
	var out []opcua.Response
	for _, r := range responses {
		if r.Status != opcua.StatusOK {
			continue
		}
		if p.ShouldSendData(device.Name, r.Object, r.Value, device.PublishPolicy) {
			out = append(out, r)
		}
	}
	return out
}

// Reset forgets the last values of device.
func (p *PublishPolicy) Reset(device string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefix := device + "/"
	for k := range p.lastKnownValues {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(p.lastKnownValues, k)
		}
	}
}
