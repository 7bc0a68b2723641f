//go:build linux

package udpsas

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// SetPacketInfo enables destination address reporting on the socket
// referred to by fd. The socket domain selects the option: IP_PKTINFO
// on AF_INET sockets, IPV6_RECVPKTINFO on AF_INET6 sockets per
// RFC 3542, section 4. Sockets of any other domain yield
// ErrUnsupportedDomain.
func SetPacketInfo(fd int) error {
	domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return fmt.Errorf("getsockopt SO_DOMAIN: %w", err)
	}

	switch domain {
	case unix.AF_INET:
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1); err != nil {
			return fmt.Errorf("setsockopt IP_PKTINFO: %w", err)
		}
	case unix.AF_INET6:
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1); err != nil {
			return fmt.Errorf("setsockopt IPV6_RECVPKTINFO: %w", err)
		}
	default:
		return fmt.Errorf("%w: domain %d", ErrUnsupportedDomain, domain)
	}
	return nil
}

// Recv reads one datagram from fd and reports, alongside the payload
// length and the peer address, the local address the datagram was sent
// to. SetPacketInfo must have been applied to fd for the destination
// to be populated; without it the returned PacketInfo stays zero.
// Flags are passed to recvmsg unchanged.
func Recv(fd int, p []byte, flags int) (int, netip.AddrPort, PacketInfo, error) {
	oobp := controlPool.Get().(*[]byte)
	defer controlPool.Put(oobp)

	n, oobn, _, from, err := unix.Recvmsg(fd, p, *oobp, flags)
	if err != nil {
		return 0, netip.AddrPort{}, PacketInfo{}, fmt.Errorf("recvmsg: %w", err)
	}
	peer, err := addrPortFromSockaddr(from)
	if err != nil {
		return n, netip.AddrPort{}, PacketInfo{}, err
	}
	info, _ := ParsePacketInfo((*oobp)[:oobn])
	return n, peer, info, nil
}

// Send writes one datagram to peer through fd, requesting local.Addr
// as its source address. An invalid local address leaves source
// selection to the kernel, matching a plain sendto, so the PacketInfo
// returned by Recv can be handed back unchanged to reply from the
// address the datagram was received on. Flags are passed to sendmsg
// unchanged.
func Send(fd int, p []byte, flags int, local PacketInfo, peer netip.AddrPort) (int, error) {
	sa, err := sockaddrFromAddrPort(peer)
	if err != nil {
		return 0, err
	}

	oobp := controlPool.Get().(*[]byte)
	defer controlPool.Put(oobp)

	n, err := unix.SendmsgN(fd, p, AppendPacketInfo((*oobp)[:0], local), sa, flags)
	if err != nil {
		return n, fmt.Errorf("sendmsg: %w", err)
	}
	return n, nil
}
