package dispatch

import (
	"context"
	"net"
)

// DisallowedTarget reports whether a target host must be refused in a
// server deployment: loopback, private, link-local and unspecified
// addresses, checked after name resolution so a public hostname cannot
// smuggle a private address through. Unresolvable hosts are refused.
// Enforcement sits above the dispatcher, on the relay surface.
func DisallowedTarget(ctx context.Context, host string) bool {
	if host == "" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return disallowedIP(ip)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return true
	}
	for _, addr := range addrs {
		if disallowedIP(addr.IP) {
			return true
		}
	}
	return false
}

func disallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
