//go:build linux

package udpsas

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSockaddrFromAddrPort(t *testing.T) {
	t.Parallel()

	t.Run("ipv4", func(t *testing.T) {
		t.Parallel()

		sa, err := sockaddrFromAddrPort(netip.MustParseAddrPort("12.34.56.78:4242"))
		if err != nil {
			t.Fatalf("sockaddrFromAddrPort() error: %v", err)
		}
		sa4, ok := sa.(*unix.SockaddrInet4)
		if !ok {
			t.Fatalf("sockaddr type = %T, want *unix.SockaddrInet4", sa)
		}
		if sa4.Port != 4242 {
			t.Errorf("port = %d, want 4242", sa4.Port)
		}
		if want := [4]byte{12, 34, 56, 78}; sa4.Addr != want {
			t.Errorf("addr = %v, want %v", sa4.Addr, want)
		}
	})

	t.Run("ipv6", func(t *testing.T) {
		t.Parallel()

		ap := netip.MustParseAddrPort("[716:a0b:c0d:e0f:1011:1213:1415:1617]:4242")
		sa, err := sockaddrFromAddrPort(ap)
		if err != nil {
			t.Fatalf("sockaddrFromAddrPort() error: %v", err)
		}
		sa6, ok := sa.(*unix.SockaddrInet6)
		if !ok {
			t.Fatalf("sockaddr type = %T, want *unix.SockaddrInet6", sa)
		}
		if sa6.Port != 4242 {
			t.Errorf("port = %d, want 4242", sa6.Port)
		}
		if want := ap.Addr().As16(); sa6.Addr != want {
			t.Errorf("addr = %v, want %v", sa6.Addr, want)
		}
		if sa6.ZoneId != 0 {
			t.Errorf("zone id = %d, want 0", sa6.ZoneId)
		}
	})

	t.Run("numeric_zone", func(t *testing.T) {
		t.Parallel()

		sa, err := sockaddrFromAddrPort(netip.MustParseAddrPort("[fe80::1%4242]:9"))
		if err != nil {
			t.Fatalf("sockaddrFromAddrPort() error: %v", err)
		}
		if got := sa.(*unix.SockaddrInet6).ZoneId; got != 4242 {
			t.Errorf("zone id = %d, want 4242", got)
		}
	})

	t.Run("v4_mapped_keeps_inet6_family", func(t *testing.T) {
		t.Parallel()

		ap := netip.MustParseAddrPort("[::ffff:12.34.56.78]:4242")
		sa, err := sockaddrFromAddrPort(ap)
		if err != nil {
			t.Fatalf("sockaddrFromAddrPort() error: %v", err)
		}
		sa6, ok := sa.(*unix.SockaddrInet6)
		if !ok {
			t.Fatalf("sockaddr type = %T, want *unix.SockaddrInet6", sa)
		}
		if want := ap.Addr().As16(); sa6.Addr != want {
			t.Errorf("addr = %v, want %v", sa6.Addr, want)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()

		_, err := sockaddrFromAddrPort(netip.AddrPort{})
		if !errors.Is(err, ErrInvalidAddr) {
			t.Fatalf("sockaddrFromAddrPort() error = %v, want ErrInvalidAddr", err)
		}
	})
}

func TestAddrPortFromSockaddr(t *testing.T) {
	t.Parallel()

	t.Run("ipv4", func(t *testing.T) {
		t.Parallel()

		ap, err := addrPortFromSockaddr(&unix.SockaddrInet4{Port: 4242, Addr: [4]byte{12, 34, 56, 78}})
		if err != nil {
			t.Fatalf("addrPortFromSockaddr() error: %v", err)
		}
		if want := netip.MustParseAddrPort("12.34.56.78:4242"); ap != want {
			t.Errorf("addr port = %v, want %v", ap, want)
		}
	})

	t.Run("ipv6", func(t *testing.T) {
		t.Parallel()

		want := netip.MustParseAddrPort("[2001:db8::17]:4242")
		ap, err := addrPortFromSockaddr(&unix.SockaddrInet6{Port: 4242, Addr: want.Addr().As16()})
		if err != nil {
			t.Fatalf("addrPortFromSockaddr() error: %v", err)
		}
		if ap != want {
			t.Errorf("addr port = %v, want %v", ap, want)
		}
	})

	t.Run("unresolvable_zone_stays_numeric", func(t *testing.T) {
		t.Parallel()

		ll := netip.MustParseAddr("fe80::1")
		ap, err := addrPortFromSockaddr(&unix.SockaddrInet6{Port: 9, Addr: ll.As16(), ZoneId: 1 << 30})
		if err != nil {
			t.Fatalf("addrPortFromSockaddr() error: %v", err)
		}
		if want := ll.WithZone("1073741824"); ap.Addr() != want {
			t.Errorf("addr = %v, want %v", ap.Addr(), want)
		}
	})

	t.Run("nil_peer", func(t *testing.T) {
		t.Parallel()

		ap, err := addrPortFromSockaddr(nil)
		if err != nil {
			t.Fatalf("addrPortFromSockaddr() error: %v", err)
		}
		if ap.IsValid() {
			t.Errorf("addr port = %v, want the zero AddrPort", ap)
		}
	})

	t.Run("foreign_family", func(t *testing.T) {
		t.Parallel()

		_, err := addrPortFromSockaddr(&unix.SockaddrUnix{Name: "/run/echo.sock"})
		if !errors.Is(err, ErrUnsupportedDomain) {
			t.Fatalf("addrPortFromSockaddr() error = %v, want ErrUnsupportedDomain", err)
		}
	})
}

func TestZoneRoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()

		if got := zoneID(""); got != 0 {
			t.Errorf("zoneID(\"\") = %d, want 0", got)
		}
		if got := zoneName(0); got != "" {
			t.Errorf("zoneName(0) = %q, want \"\"", got)
		}
	})

	t.Run("real_interface", func(t *testing.T) {
		t.Parallel()

		ifs, err := net.Interfaces()
		if err != nil || len(ifs) == 0 {
			t.Skipf("no interfaces available: %v", err)
		}
		ifi := ifs[0]
		if got := zoneID(ifi.Name); got != uint32(ifi.Index) {
			t.Errorf("zoneID(%q) = %d, want %d", ifi.Name, got, ifi.Index)
		}
		if got := zoneName(uint32(ifi.Index)); got != ifi.Name {
			t.Errorf("zoneName(%d) = %q, want %q", ifi.Index, got, ifi.Name)
		}
	})
}
