package socks5

import (
	"context"
	"fmt"
	"net"
)

// Resolver is the blocking "host -> address" facade spec's protocol engine
// depends on for the DNS branch of the address codec. Implemented on the
// standard library resolver; selects the first result matching a preferred
// address family so replies are consistent regardless of DNS answer order.
type Resolver struct {
	// PreferredV6 selects IPv6 first when a name resolves to both families.
	// Set true when the configured outgoing bind address (-b) is an IPv6
	// address; false (IPv4-first) otherwise, matching net/http's historic
	// dial-parallel default.
	PreferredV6 bool
}

// Resolve looks up host and returns the first address in the preferred
// family, falling back to the other family if the preferred one has no
// answer. network is "tcp" or "udp"; it does not change resolution (both
// use the same A/AAAA lookup) but is threaded through for symmetry with
// the address codec's decode_address(..., kind) signature.
func (r *Resolver) Resolve(host, network string) (net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}

	var v4, v6 net.IP
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			if v4 == nil {
				v4 = ip4
			}
		} else if v6 == nil {
			v6 = a.IP
		}
	}

	if r.PreferredV6 {
		if v6 != nil {
			return v6, nil
		}
		return v4, nil
	}
	if v4 != nil {
		return v4, nil
	}
	return v6, nil
}
