// Package mdnsutil advertises the agent's gRPC endpoints on the local
// network. Records use the `_rpc._tcp` service type; instance and host
// names are fqdns with every dot replaced by a hyphen so they stay valid
// single mDNS labels.
package mdnsutil

import (
	"fmt"
	"net"
	"strings"

	"github.com/edaniels/golog"
	"github.com/viamrobotics/zeroconf"
)

const (
	serviceType = "_rpc._tcp"
	domain      = "local."
)

// Record is one live advertisement. Shutdown withdraws it.
type Record struct {
	server *zeroconf.Server
}

// Hostname converts an fqdn into the hyphenated label advertised over mDNS.
func Hostname(fqdn string) string {
	return strings.ReplaceAll(fqdn, ".", "-")
}

// Advertise publishes one `_rpc._tcp` record for the given fqdn on the
// given port. txt carries the record's attributes (`grpc=` for serving
// records, `provisioning=` while provisioning). ip pins the advertised
// address; when nil the responder picks the host's interfaces.
func Advertise(fqdn string, port int, txt []string, ip net.IP) (*Record, error) {
	instance := Hostname(fqdn)

	var ips []string
	if ip != nil {
		ips = []string{ip.String()}
	}

	server, err := zeroconf.RegisterProxy(instance, serviceType, domain, port, instance, ips, txt, nil, golog.Global())
	if err != nil {
		return nil, fmt.Errorf("mdns: failed to advertise %q: %w", instance, err)
	}
	return &Record{server: server}, nil
}

// Shutdown withdraws the record.
func (r *Record) Shutdown() {
	r.server.Shutdown()
}
