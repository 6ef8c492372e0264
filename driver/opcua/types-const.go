package opcua

import (
	"fmt"
	"strings"
	"time"
)

// Protocol is the transport named in a device's addressable.
type Protocol int

const (
	ProtocolTCP Protocol = iota
	ProtocolHTTP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "TCP"
	case ProtocolHTTP:
		return "HTTP"
	default:
		return "UNKNOWN"
	}
}

// ParseProtocol maps a config/database value to a Protocol. Anything that is
// not tcp is treated as HTTP, the same way the endpoint is derived.
func ParseProtocol(s string) Protocol {
	if strings.EqualFold(s, "tcp") || s == "" {
		return ProtocolTCP
	}
	return ProtocolHTTP
}

// Addressable is the connection metadata of a device.
type Addressable struct {
	Name     string
	Protocol Protocol
	Address  string
	Port     uint16
	Path     string
}

// Attributes identify the node on the field device an object maps to.
type Attributes struct {
	ProviderKey string
}

// Object is one logical data point of a device.
type Object struct {
	Name       string
	Attributes Attributes
}

// Operation is a profile operation. Name identifies it within the device and
// is the cache key together with the device name.
type Operation struct {
	Name      string
	Kind      string // get/read or set/write
	Object    string
	Parameter string
}

// Device is the subset of device metadata the driver works with.
type Device struct {
	Name             string
	Addressable      Addressable
	SamplingInterval time.Duration
	PublishPolicy    string
}

// CommandKind is the protocol-level command of an envelope.
type CommandKind string

const (
	CommandRead  CommandKind = "read"
	CommandWrite CommandKind = "write"
)

// ParseCommandKind accepts both the protocol names (read/write) and the
// resource operation names (get/set), case-insensitively.
func ParseCommandKind(op string) (CommandKind, error) {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "read", "get":
		return CommandRead, nil
	case "write", "set":
		return CommandWrite, nil
	default:
		return "", ErrUnsupportedOperation
	}
}

// Status of a completed operation.
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "ok":
		*s = StatusOK
	case "error":
		*s = StatusError
	case "timeout":
		*s = StatusTimeout
	default:
		return fmt.Errorf("unknown status %q", text)
	}
	return nil
}

// Response is the outcome of one dispatch for a (device, operation) pair.
type Response struct {
	Device        string    `json:"device"`
	Operation     string    `json:"operation"`
	Object        string    `json:"object,omitempty"`
	TransactionID string    `json:"transactionId,omitempty"`
	OpID          string    `json:"opId,omitempty"`
	Value         string    `json:"value"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
	Ticket        uint64    `json:"-"`
	Timestamp     time.Time `json:"timestamp"`
}

// MetaDataType selects which kind of metadata a store refresh covers.
type MetaDataType int

const (
	MetaDataAll MetaDataType = iota
	MetaDataAddressable
	MetaDataDevice
	MetaDataDeviceProfile
)

// Code returns the numeric code of the metadata type.
func (m MetaDataType) Code() int { return int(m) }

func (m MetaDataType) String() string {
	switch m {
	case MetaDataAll:
		return "all"
	case MetaDataAddressable:
		return "addressable"
	case MetaDataDevice:
		return "device"
	case MetaDataDeviceProfile:
		return "device_profile"
	default:
		return "unknown"
	}
}

// MessageKey names a field of a command or result message.
type MessageKey struct {
	code        int
	key         string
	description string
}

func (k MessageKey) Code() int           { return k.code }
func (k MessageKey) Key() string         { return k.key }
func (k MessageKey) Description() string { return k.description }
func (k MessageKey) String() string      { return k.key }

var (
	KeyOperation             = MessageKey{0, "operation", "command operation"}
	KeyInputArgument         = MessageKey{1, "input_argument", "input value in put command operation"}
	KeyResult                = MessageKey{2, "result", "command result value"}
	KeyValueDescriptor       = MessageKey{3, "value_descriptor", "command valuedescriptor name"}
	KeySamplingInterval      = MessageKey{4, "sampling_interval", "sampling interval"}
	KeyApplicationName       = MessageKey{5, "application_name", "application name for server"}
	KeyApplicationURI        = MessageKey{6, "application_uri", "application uri for server"}
	KeyWellknownCommand      = MessageKey{10, "wellknown_command", "wellknown command"}
	KeyAttributeCommand      = MessageKey{11, "attribute_command", "attribute command"}
	KeyMethodCommand         = MessageKey{12, "method_command", "method command"}
	KeyWellknownCommandGroup = MessageKey{20, "wellknown~groupcommand", "wellknown group command service"}
)

var messageKeys = []MessageKey{
	KeyOperation,
	KeyInputArgument,
	KeyResult,
	KeyValueDescriptor,
	KeySamplingInterval,
	KeyApplicationName,
	KeyApplicationURI,
	KeyWellknownCommand,
	KeyAttributeCommand,
	KeyMethodCommand,
	KeyWellknownCommandGroup,
}

// MessageKeys returns all known message keys in code order.
func MessageKeys() []MessageKey {
	out := make([]MessageKey, len(messageKeys))
	copy(out, messageKeys)
	return out
}

// LookupMessageKey finds a message key by its key string.
func LookupMessageKey(key string) (MessageKey, bool) {
	for _, k := range messageKeys {
		if k.key == key {
			return k, true
		}
	}
	return MessageKey{}, false
}
