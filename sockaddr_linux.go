//go:build linux

package udpsas

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// sockaddrFromAddrPort converts ap into the sockaddr handed to
// sendmsg. The address family follows the address form: IPv4-mapped
// IPv6 addresses stay in AF_INET6 so they travel through dual-stack
// sockets unchanged.
func sockaddrFromAddrPort(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	switch {
	case addr.Is4():
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	case addr.Is6():
		return &unix.SockaddrInet6{
			Port:   int(ap.Port()),
			ZoneId: zoneID(addr.Zone()),
			Addr:   addr.As16(),
		}, nil
	default:
		return nil, ErrInvalidAddr
	}
}

// addrPortFromSockaddr converts the peer sockaddr reported by recvmsg.
// A nil sockaddr, seen on connected sockets, yields the zero AddrPort.
func addrPortFromSockaddr(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		port := uint16(sa.Port) //nolint:gosec // G115: the kernel reports ports in 0..65535
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), port), nil
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if zone := zoneName(sa.ZoneId); zone != "" {
			addr = addr.WithZone(zone)
		}
		port := uint16(sa.Port) //nolint:gosec // G115: the kernel reports ports in 0..65535
		return netip.AddrPortFrom(addr, port), nil
	case nil:
		return netip.AddrPort{}, nil
	default:
		return netip.AddrPort{}, fmt.Errorf("%w: %T", ErrUnsupportedDomain, sa)
	}
}

// zoneID resolves a netip zone to the numeric scope id carried in
// sockaddr_in6. Zones name interfaces per the net package convention;
// a purely numeric zone passes through as-is.
func zoneID(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index) //nolint:gosec // G115: interface indexes are small positive integers
	}
	if n, err := strconv.ParseUint(zone, 10, 32); err == nil {
		return uint32(n)
	}
	return 0
}

// zoneName is the inverse mapping. It prefers the interface name and
// falls back to the decimal form when the index no longer resolves.
func zoneName(id uint32) string {
	if id == 0 {
		return ""
	}
	if ifi, err := net.InterfaceByIndex(int(id)); err == nil {
		return ifi.Name
	}
	return strconv.FormatUint(uint64(id), 10)
}
