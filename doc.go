// Package udpsas implements source-address-aware UDP I/O for
// multihomed hosts.
//
// A UDP socket bound to a wildcard address receives datagrams sent to
// any local address, but plain reads discard which local address a
// datagram was addressed to, and plain writes leave the source address
// to the kernel routing decision. A reply sent that way can leave a
// multihomed host with a source address that differs from the one the
// peer contacted, and strict peers drop it.
//
// The package recovers the missing direction on both paths through the
// IP_PKTINFO and IPV6_PKTINFO ancillary data described in ip(7),
// ipv6(7) and RFC 3542. Recv reports the local destination address of
// each datagram alongside the peer address, and Send pins the source
// address of an outgoing datagram without binding the socket to it.
//
// Conn wraps a net.UDPConn with the socket options and control message
// handling preconfigured. SetPacketInfo, Recv and Send operate on raw
// file descriptors for callers that manage sockets themselves, and
// ParsePacketInfo and AppendPacketInfo expose the control message
// codec for callers that issue recvmsg and sendmsg on their own.
//
// The implementation is Linux-only.
package udpsas
