package logic

import (
	"sync"
	"time"

	opcua "device-opcua/driver/opcua"
)

// <---------------------------------------->
// Models for user_manager.go
// <---------------------------------------->

// Auth is one broker login.
type Auth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Allow    bool   `yaml:"allow"`
}

// Filters maps a topic filter to a permission (0 none, 1 read, 2 write, 3 read/write).
type Filters map[string]int

// ACL is the topic access list of one broker login.
type ACL struct {
	Username string  `yaml:"username"`
	Filters  Filters `yaml:"filters"`
}

// Ledger is the document the broker's auth hook loads.
type Ledger struct {
	Auth []Auth `yaml:"auth"`
	ACL  []ACL  `yaml:"acl"`
}

// <---------------------------------------->
// Models for driver_manager.go
// <---------------------------------------->

// DeviceState tracks the sampling loop of one device.
type DeviceState struct {
	mu      sync.Mutex
	status  string
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// <---------------------------------------->
// Models for commands.go
// <---------------------------------------->

// CommandResult is what a command caller receives once the transaction
// completed.
type CommandResult struct {
	TransactionID string           `json:"transactionId"`
	Device        string           `json:"device"`
	Object        string           `json:"object"`
	Operation     string           `json:"operation"`
	Responses     []opcua.Response `json:"responses"`
	Completed     time.Time        `json:"completed"`
}

// Value returns the value of the first response.
func (r *CommandResult) Value() string {
	if r == nil || len(r.Responses) == 0 {
		return ""
	}
	return r.Responses[0].Value
}
