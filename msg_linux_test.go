//go:build linux

package udpsas_test

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/dantte-lp/udpsas"
)

// dgramSocket creates a datagram socket of the given domain, closed
// through t.Cleanup.
func dgramSocket(t *testing.T, domain int) int {
	t.Helper()

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	t.Cleanup(func() { _ = unix.Close(fd) })
	return fd
}

// bind4 binds fd to an IPv4 address with an ephemeral port and returns
// the assigned endpoint.
func bind4(t *testing.T, fd int, addr netip.Addr) netip.AddrPort {
	t.Helper()

	if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: addr.As4()}); err != nil {
		t.Fatalf("bind %v: %v", addr, err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	sa4 := sa.(*unix.SockaddrInet4)
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))
}

// recvTimeout bounds reads on fd so a lost datagram fails the test
// instead of hanging it.
func recvTimeout(t *testing.T, fd int) {
	t.Helper()

	tv := unix.Timeval{Sec: 5}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		t.Fatalf("setsockopt SO_RCVTIMEO: %v", err)
	}
}

func TestSetPacketInfo(t *testing.T) {
	t.Parallel()

	t.Run("ipv4", func(t *testing.T) {
		t.Parallel()

		fd := dgramSocket(t, unix.AF_INET)
		if err := udpsas.SetPacketInfo(fd); err != nil {
			t.Fatalf("SetPacketInfo() error: %v", err)
		}
		v, err := unix.GetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO)
		if err != nil {
			t.Fatalf("getsockopt IP_PKTINFO: %v", err)
		}
		if v != 1 {
			t.Errorf("IP_PKTINFO = %d, want 1", v)
		}
	})

	t.Run("ipv6", func(t *testing.T) {
		t.Parallel()

		fd := dgramSocket(t, unix.AF_INET6)
		if err := udpsas.SetPacketInfo(fd); err != nil {
			t.Fatalf("SetPacketInfo() error: %v", err)
		}
		v, err := unix.GetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO)
		if err != nil {
			t.Fatalf("getsockopt IPV6_RECVPKTINFO: %v", err)
		}
		if v != 1 {
			t.Errorf("IPV6_RECVPKTINFO = %d, want 1", v)
		}
	})

	t.Run("unix_domain", func(t *testing.T) {
		t.Parallel()

		fd := dgramSocket(t, unix.AF_UNIX)
		if err := udpsas.SetPacketInfo(fd); !errors.Is(err, udpsas.ErrUnsupportedDomain) {
			t.Fatalf("SetPacketInfo() error = %v, want ErrUnsupportedDomain", err)
		}
	})
}

func TestSendInvalidPeer(t *testing.T) {
	t.Parallel()

	fd := dgramSocket(t, unix.AF_INET)
	_, err := udpsas.Send(fd, []byte("x"), 0, udpsas.PacketInfo{}, netip.AddrPort{})
	if !errors.Is(err, udpsas.ErrInvalidAddr) {
		t.Fatalf("Send() error = %v, want ErrInvalidAddr", err)
	}
}

// Not parallel: the test depends on the descriptor number staying
// unused between the close and the read.
func TestRecvClosedDescriptor(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := unix.Close(fd); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, _, _, err = udpsas.Recv(fd, make([]byte, 16), 0)
	if !errors.Is(err, unix.EBADF) {
		t.Fatalf("Recv() error = %v, want EBADF", err)
	}
}

// TestSendRecvSourceSelection binds a responder to the wildcard
// address, probes it at 127.0.0.23, and checks that the responder both
// observes that destination and answers from it. The reply source is
// the property under test: without the control message the kernel
// would answer from the primary loopback address.
func TestSendRecvSourceSelection(t *testing.T) {
	t.Parallel()

	target := netip.MustParseAddr("127.0.0.23")

	rfd := dgramSocket(t, unix.AF_INET)
	if err := udpsas.SetPacketInfo(rfd); err != nil {
		t.Fatalf("SetPacketInfo() error: %v", err)
	}
	recvTimeout(t, rfd)
	responder := bind4(t, rfd, netip.IPv4Unspecified())

	sfd := dgramSocket(t, unix.AF_INET)
	if err := udpsas.SetPacketInfo(sfd); err != nil {
		t.Fatalf("SetPacketInfo() error: %v", err)
	}
	recvTimeout(t, sfd)
	prober := bind4(t, sfd, netip.MustParseAddr("127.0.0.1"))

	probe := []byte("probe")
	dst := netip.AddrPortFrom(target, responder.Port())
	if _, err := udpsas.Send(sfd, probe, 0, udpsas.PacketInfo{}, dst); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	buf := make([]byte, 64)
	n, from, info, err := udpsas.Recv(rfd, buf, 0)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if !bytes.Equal(buf[:n], probe) {
		t.Errorf("payload = %q, want %q", buf[:n], probe)
	}
	if from != prober {
		t.Errorf("peer = %v, want %v", from, prober)
	}
	if info.Addr != target {
		t.Errorf("destination = %v, want %v", info.Addr, target)
	}
	if info.IfIndex == 0 {
		t.Error("arrival interface not reported")
	}

	reply := []byte("reply")
	if _, err := udpsas.Send(rfd, reply, 0, info, from); err != nil {
		t.Fatalf("Send() reply error: %v", err)
	}

	n, replySrc, _, err := udpsas.Recv(sfd, buf, 0)
	if err != nil {
		t.Fatalf("Recv() reply error: %v", err)
	}
	if !bytes.Equal(buf[:n], reply) {
		t.Errorf("reply payload = %q, want %q", buf[:n], reply)
	}
	if replySrc != dst {
		t.Errorf("reply source = %v, want %v", replySrc, dst)
	}
}

func TestSendRecvIPv6(t *testing.T) {
	t.Parallel()

	lo := netip.MustParseAddr("::1")

	rfd := dgramSocket(t, unix.AF_INET6)
	if err := udpsas.SetPacketInfo(rfd); err != nil {
		t.Fatalf("SetPacketInfo() error: %v", err)
	}
	recvTimeout(t, rfd)
	if err := unix.Bind(rfd, &unix.SockaddrInet6{Addr: lo.As16()}); err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	sa, err := unix.Getsockname(rfd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	responder := netip.AddrPortFrom(lo, uint16(sa.(*unix.SockaddrInet6).Port))

	sfd := dgramSocket(t, unix.AF_INET6)
	recvTimeout(t, sfd)
	if err := unix.Bind(sfd, &unix.SockaddrInet6{Addr: lo.As16()}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if _, err := udpsas.Send(sfd, []byte("probe"), 0, udpsas.PacketInfo{}, responder); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	buf := make([]byte, 64)
	_, from, info, err := udpsas.Recv(rfd, buf, 0)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if info.Addr != lo {
		t.Errorf("destination = %v, want %v", info.Addr, lo)
	}
	if info.IfIndex == 0 {
		t.Error("arrival interface not reported")
	}
	if from.Addr() != lo {
		t.Errorf("peer address = %v, want %v", from.Addr(), lo)
	}

	// Hand the reported destination straight back as the reply source.
	if _, err := udpsas.Send(rfd, []byte("reply"), 0, info, from); err != nil {
		t.Fatalf("Send() reply error: %v", err)
	}
}

// TestRecvPeek checks that flags reach recvmsg unchanged: a peeked
// datagram must still be readable afterwards.
func TestRecvPeek(t *testing.T) {
	t.Parallel()

	rfd := dgramSocket(t, unix.AF_INET)
	recvTimeout(t, rfd)
	responder := bind4(t, rfd, netip.MustParseAddr("127.0.0.1"))

	sfd := dgramSocket(t, unix.AF_INET)
	if _, err := udpsas.Send(sfd, []byte("once"), 0, udpsas.PacketInfo{}, responder); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	buf := make([]byte, 16)
	n, _, _, err := udpsas.Recv(rfd, buf, unix.MSG_PEEK)
	if err != nil {
		t.Fatalf("Recv(MSG_PEEK) error: %v", err)
	}
	if string(buf[:n]) != "once" {
		t.Errorf("peeked payload = %q, want %q", buf[:n], "once")
	}
	n, _, _, err = udpsas.Recv(rfd, buf, 0)
	if err != nil {
		t.Fatalf("Recv() error: %v", err)
	}
	if string(buf[:n]) != "once" {
		t.Errorf("payload after peek = %q, want %q", buf[:n], "once")
	}
}
