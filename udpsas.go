package udpsas

import (
	"errors"
	"net/netip"
	"sync"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrUnsupportedDomain is returned when a socket belongs to an
	// address family other than AF_INET or AF_INET6.
	ErrUnsupportedDomain = errors.New("socket domain is not AF_INET or AF_INET6")

	// ErrInvalidAddr is returned when a destination address is neither
	// a valid IPv4 nor a valid IPv6 address.
	ErrInvalidAddr = errors.New("not a valid IPv4 or IPv6 address")

	// ErrUnexpectedConnType is returned by Listen when the network
	// argument resolves to something other than a UDP connection.
	ErrUnexpectedConnType = errors.New("unexpected connection type")
)

// -------------------------------------------------------------------------
// Packet Info
// -------------------------------------------------------------------------

// PacketInfo carries the destination side of a received datagram as
// reported by the kernel.
type PacketInfo struct {
	// Addr is the local address the datagram was sent to. It is the
	// zero Addr when the socket had no pktinfo option enabled.
	Addr netip.Addr

	// IfIndex is the index of the network interface the datagram
	// arrived on.
	IfIndex int
}

// controlBufSize is the size of the ancillary data buffer passed to
// recvmsg. 256 bytes hold a pktinfo record with room to spare for
// control messages enabled by other socket options.
const controlBufSize = 256

// controlPool recycles ancillary data buffers across reads and writes.
// Buffers are handed out as slice pointers to keep Put allocation-free.
var controlPool = sync.Pool{
	New: func() any {
		b := make([]byte, controlBufSize)
		return &b
	},
}
