// Package resolver performs the one-time, startup-only name
// resolution that seeds each service's TargetSelector. Re-resolution
// during the lifetime of the process is out of scope (spec.md §1
// non-goals: no cross-host coordination, no dynamic target updates).
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultTimeout bounds how long startup resolution may block before
// the daemon gives up on a single forward target.
const DefaultTimeout = 5 * time.Second

// Resolve looks up host and returns every resolved address, each
// paired with port, as net.Addr values appropriate for protocol
// ("tcp" or "udp").
func Resolve(ctx context.Context, protocol, host string, port int) ([]net.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolver: lookup %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: %q resolved to no addresses", host)
	}

	addrs := make([]net.Addr, 0, len(ips))
	for _, ip := range ips {
		switch protocol {
		case "udp":
			addrs = append(addrs, &net.UDPAddr{IP: ip.IP, Port: port, Zone: ip.Zone})
		default:
			addrs = append(addrs, &net.TCPAddr{IP: ip.IP, Port: port, Zone: ip.Zone})
		}
	}
	return addrs, nil
}
