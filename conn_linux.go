//go:build linux

package udpsas

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// Conn is a net.UDPConn with destination address reporting enabled on
// reads and per-datagram source selection on writes. The embedded
// connection remains usable directly for callers that do not care
// about addressing on a particular datagram.
type Conn struct {
	*net.UDPConn
}

// Listen opens a UDP socket on address with the pktinfo options
// applied before the first datagram can arrive. Network selects the
// socket family the way net.ListenPacket does: "udp", "udp4" or
// "udp6".
func Listen(ctx context.Context, network, address string) (*Conn, error) {
	lc := net.ListenConfig{Control: enablePacketInfo}

	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("listen %s on %s: %w", network, address, err)
	}
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedConnType, pc)
	}
	return &Conn{UDPConn: uc}, nil
}

// NewConn enables destination address reporting on an existing UDP
// socket and wraps it. The socket keeps its deadlines, buffer sizes
// and any other options already applied.
func NewConn(uc *net.UDPConn) (*Conn, error) {
	rc, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("syscall conn: %w", err)
	}
	if err := enablePacketInfo("", "", rc); err != nil {
		return nil, err
	}
	return &Conn{UDPConn: uc}, nil
}

// enablePacketInfo is the net.ListenConfig control hook that switches
// on pktinfo reporting while the socket is still unbound.
func enablePacketInfo(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = SetPacketInfo(int(fd)) //nolint:gosec // G115: descriptors fit in int
	}); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return sockErr
}

// ReadMsg reads one datagram and reports the peer address together
// with the local address the datagram was sent to.
func (c *Conn) ReadMsg(p []byte) (int, netip.AddrPort, PacketInfo, error) {
	oobp := controlPool.Get().(*[]byte)
	defer controlPool.Put(oobp)

	n, oobn, _, peer, err := c.ReadMsgUDPAddrPort(p, *oobp)
	if err != nil {
		return n, peer, PacketInfo{}, fmt.Errorf("read msg: %w", err)
	}
	info, _ := ParsePacketInfo((*oobp)[:oobn])
	return n, peer, info, nil
}

// LocalAddrPort returns the bound address in netip form, or the zero
// AddrPort when it cannot be determined.
func (c *Conn) LocalAddrPort() netip.AddrPort {
	if ua, ok := c.LocalAddr().(*net.UDPAddr); ok {
		return ua.AddrPort()
	}
	return netip.AddrPort{}
}

// WriteMsg sends one datagram to peer with local.Addr as its source
// address. An invalid local address delegates source selection to the
// kernel, so the PacketInfo reported by ReadMsg can be handed back
// unchanged to reply from the address the datagram arrived on.
func (c *Conn) WriteMsg(p []byte, local PacketInfo, peer netip.AddrPort) (int, error) {
	oobp := controlPool.Get().(*[]byte)
	defer controlPool.Put(oobp)

	n, _, err := c.WriteMsgUDPAddrPort(p, AppendPacketInfo((*oobp)[:0], local), peer)
	if err != nil {
		return n, fmt.Errorf("write msg: %w", err)
	}
	return n, nil
}
