package opcua

import "errors"

var (
	// ErrUnsupportedOperation is returned for an operation kind other than
	// read/write. No request is sent.
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrProtocolTimeout is returned when the boundary did not answer in time.
	ErrProtocolTimeout = errors.New("protocol timeout")
	// ErrProtocolError wraps a fault reported by the protocol boundary.
	ErrProtocolError = errors.New("protocol error")
	// ErrInvalidArgument is returned for a missing required parameter.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBoundaryClosed is returned by Send after the boundary was closed.
	ErrBoundaryClosed = errors.New("protocol boundary closed")
	// ErrUnsupportedEndpoint is reported for endpoints the OPC-UA stack cannot dial.
	ErrUnsupportedEndpoint = errors.New("unsupported endpoint scheme")
)

// StatusFor maps a dispatch error to the status stored with its response.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrProtocolTimeout):
		return StatusTimeout
	default:
		return StatusError
	}
}
