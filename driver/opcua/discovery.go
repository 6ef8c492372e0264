package opcua

import (
	"context"
	"fmt"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"
)

// FindServersFunc queries one discovery endpoint. opcua.FindServers in
// production.
type FindServersFunc func(ctx context.Context, endpoint string, opts ...opcua.Option) ([]*ua.ApplicationDescription, error)

// Discoverer scans the configured discovery endpoints (local discovery
// servers or the servers themselves) for OPC-UA servers.
type Discoverer struct {
	urls        []string
	findServers FindServersFunc
}

// NewDiscoverer returns a Discoverer querying urls. A nil find uses
// opcua.FindServers.
func NewDiscoverer(urls []string, find FindServersFunc) *Discoverer {
	if find == nil {
		find = opcua.FindServers
	}
	return &Discoverer{urls: urls, findServers: find}
}

// Discover returns one identifier map per server found, with the keys name,
// address and interface. Endpoints that fail are logged and skipped; the
// error is only returned when every endpoint failed.
func (d *Discoverer) Discover(ctx context.Context) ([]map[string]string, error) {
	var (
		scan   []map[string]string
		failed int
		last   error
	)
	seen := make(map[string]bool)

	for _, url := range d.urls {
		servers, err := d.findServers(ctx, url)
		if err != nil {
			logrus.Warnf("OPC-UA: discovery on %s failed: %v", url, err)
			failed++
			last = err
			continue
		}
		for _, app := range servers {
			id := identifiers(app, url)
			if id == nil || seen[id["address"]] {
				continue
			}
			seen[id["address"]] = true
			scan = append(scan, id)
		}
	}

	if failed > 0 && failed == len(d.urls) {
		return nil, fmt.Errorf("discovery failed on all %d endpoints: %w", failed, last)
	}
	logrus.Infof("OPC-UA: discovery found %d servers", len(scan))
	return scan, nil
}

// identifiers maps an application description to a scan record. Clients
// and servers without a discovery URL are skipped.
func identifiers(app *ua.ApplicationDescription, via string) map[string]string {
	if app == nil || app.ApplicationType == ua.ApplicationTypeClient || len(app.DiscoveryURLs) == 0 {
		return nil
	}
	name := app.ApplicationURI
	if app.ApplicationName != nil && app.ApplicationName.Text != "" {
		name = app.ApplicationName.Text
	}
	return map[string]string{
		"name":                   name,
		"address":                app.DiscoveryURLs[0],
		"interface":              via,
		KeyApplicationURI.Key():  app.ApplicationURI,
		KeyApplicationName.Key(): name,
	}
}
