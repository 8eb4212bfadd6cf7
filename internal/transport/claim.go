package transport

import (
	"context"
	"fmt"
	"net"
)

// OwnsAddr reports whether a listener bound to listenAddr on this host is
// what dialers reach at dialAddr. Binding an address proves nothing about
// other hosts, so a claim on a shared identity is only made when the
// directory points at this host.
func OwnsAddr(ctx context.Context, listenAddr, dialAddr string) (bool, error) {
	lhost, lport, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return false, fmt.Errorf("transport: listen address %q: %w", listenAddr, err)
	}
	dhost, dport, err := net.SplitHostPort(dialAddr)
	if err != nil {
		return false, fmt.Errorf("transport: dial address %q: %w", dialAddr, err)
	}
	if lport != dport {
		return false, nil
	}
	dips, err := lookupIPs(ctx, dhost)
	if err != nil {
		return false, err
	}

	lips, err := lookupIPs(ctx, lhost)
	if err != nil {
		return false, err
	}
	wildcard := len(lips) == 0
	for _, ip := range lips {
		if ip.IsUnspecified() {
			wildcard = true
		}
	}
	if !wildcard {
		for _, d := range dips {
			for _, l := range lips {
				if d.Equal(l) {
					return true, nil
				}
			}
		}
		return false, nil
	}

	local, err := localIPs()
	if err != nil {
		return false, err
	}
	for _, d := range dips {
		if d.IsLoopback() || d.IsUnspecified() {
			return true, nil
		}
		for _, l := range local {
			if d.Equal(l) {
				return true, nil
			}
		}
	}
	return false, nil
}

func lookupIPs(ctx context.Context, host string) ([]net.IP, error) {
	if host == "" {
		return nil, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", host, err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

func localIPs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("transport: interface addresses: %w", err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		switch v := a.(type) {
		case *net.IPNet:
			ips = append(ips, v.IP)
		case *net.IPAddr:
			ips = append(ips, v.IP)
		}
	}
	return ips, nil
}

// CheckClaim resolves id through dir and returns ErrIdentityTaken when the
// resolved address belongs to another host. An identity the directory cannot
// resolve has no known holder and may be claimed.
func CheckClaim(ctx context.Context, dir Directory, id, listenAddr string) error {
	if dir == nil || listenAddr == "" {
		return nil
	}
	addr, err := dir.Resolve(ctx, id)
	if err != nil {
		return nil
	}
	owns, err := OwnsAddr(ctx, listenAddr, addr)
	if err != nil {
		return err
	}
	if !owns {
		return fmt.Errorf("%w: %s is held at %s", ErrIdentityTaken, id, addr)
	}
	return nil
}
