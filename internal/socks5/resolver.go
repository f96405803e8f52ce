package socks5

import (
	"context"
	"net"
)

// SocketKind distinguishes which socket family a resolve is for.
type SocketKind uint8

const (
	SocketTCP SocketKind = iota
	SocketUDP
)

// Resolver is the injected DNS resolution capability. The zero value
// uses net.DefaultResolver; tests can substitute a fake.
type Resolver struct {
	netResolver *net.Resolver
}

// NewResolver builds a Resolver backed by net.DefaultResolver.
func NewResolver() *Resolver {
	return &Resolver{netResolver: net.DefaultResolver}
}

// Resolve turns an Address into a concrete net.Addr suitable for
// net.Dial/net.DialUDP. A domain name is looked up; IPv4/IPv6 addresses
// pass through unchanged. Failures are always reported as a
// *ResolveError, matching the C source's comment that RFC 1928 has no
// dedicated reply code for DNS failure.
func (r *Resolver) Resolve(ctx context.Context, addr Address, kind SocketKind) (net.Addr, error) {
	host := addr.Domain
	if addr.Type != ATYPDomain {
		host = addr.IP.String()
	}

	ip := addr.IP
	if addr.Type == ATYPDomain {
		ips, err := r.netResolver.LookupIP(ctx, "ip", host)
		if err != nil || len(ips) == 0 {
			return nil, &ResolveError{Host: host, Err: err}
		}
		ip = ips[0]
	}

	if kind == SocketUDP {
		return &net.UDPAddr{IP: ip, Port: int(addr.Port)}, nil
	}
	return &net.TCPAddr{IP: ip, Port: int(addr.Port)}, nil
}
