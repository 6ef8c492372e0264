package opcua

import "fmt"

const (
	schemeOPCTCP = "opc.tcp://"
	schemeHTTP   = "http://"
)

// EndpointURI builds the connection endpoint for an addressable. The result
// is deterministic because the protocol manager pools sessions by it.
func EndpointURI(a Addressable) string {
	scheme := schemeHTTP
	if a.Protocol == ProtocolTCP {
		scheme = schemeOPCTCP
	}
	return fmt.Sprintf("%s%s:%d/%s", scheme, a.Address, a.Port, a.Path)
}
