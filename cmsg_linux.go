//go:build linux

package udpsas

import (
	"iter"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// record is one parsed control message: the cmsghdr level and type
// plus a view of the payload bytes within the original buffer.
type record struct {
	level int32
	typ   int32
	data  []byte
}

// records returns an iterator over the control messages in oob.
// Iteration stops at the first record whose length field does not
// describe a well-formed cmsghdr, the same point at which the
// CMSG_NXTHDR macro from cmsg(3) gives up.
func records(oob []byte) iter.Seq[record] {
	return func(yield func(record) bool) {
		rem := oob
		for len(rem) >= unix.SizeofCmsghdr {
			hdr, data, next, err := unix.ParseOneSocketControlMessage(rem)
			if err != nil {
				return
			}
			if !yield(record{level: hdr.Level, typ: hdr.Type, data: data}) {
				return
			}
			rem = next
		}
	}
}

// ParsePacketInfo scans the control data filled in by a recvmsg call
// and extracts the destination information of the datagram. The second
// return value reports whether a pktinfo record was present at all.
// Records of other types are skipped; when several pktinfo records are
// present the last one wins.
//
// For IP_PKTINFO the address is taken from ipi_spec_dst, the local
// address the datagram was addressed to. For IPV6_PKTINFO it is
// ipi6_addr per RFC 3542, section 6.
func ParsePacketInfo(oob []byte) (PacketInfo, bool) {
	var (
		info  PacketInfo
		found bool
	)
	for rec := range records(oob) {
		switch {
		case rec.level == unix.IPPROTO_IP && rec.typ == unix.IP_PKTINFO:
			if len(rec.data) < unix.SizeofInet4Pktinfo {
				continue
			}
			pi := (*unix.Inet4Pktinfo)(unsafe.Pointer(&rec.data[0]))
			info = PacketInfo{
				Addr:    netip.AddrFrom4(pi.Spec_dst),
				IfIndex: int(pi.Ifindex),
			}
			found = true
		case rec.level == unix.IPPROTO_IPV6 && rec.typ == unix.IPV6_PKTINFO:
			if len(rec.data) < unix.SizeofInet6Pktinfo {
				continue
			}
			pi := (*unix.Inet6Pktinfo)(unsafe.Pointer(&rec.data[0]))
			info = PacketInfo{
				Addr:    netip.AddrFrom16(pi.Addr),
				IfIndex: int(pi.Ifindex), //nolint:gosec // G115: interface indexes are small positive integers
			}
			found = true
		}
	}
	return info, found
}

// AppendPacketInfo appends a pktinfo control message requesting
// local.Addr as the source address of an outgoing datagram and returns
// the extended buffer. An IPv4 address produces an IP_PKTINFO record
// with ipi_spec_dst set; an IPv6 address, including an IPv4-mapped
// one, produces an IPV6_PKTINFO record. An invalid Addr appends
// nothing, leaving source selection to the kernel as with a plain
// sendto. local.IfIndex plays no role here: the record always carries
// interface index zero so that routing stays with the kernel.
func AppendPacketInfo(oob []byte, local PacketInfo) []byte {
	switch {
	case local.Addr.Is4():
		start := len(oob)
		oob = append(oob, make([]byte, unix.CmsgSpace(unix.SizeofInet4Pktinfo))...)
		hdr := (*unix.Cmsghdr)(unsafe.Pointer(&oob[start]))
		hdr.Level = unix.IPPROTO_IP
		hdr.Type = unix.IP_PKTINFO
		hdr.SetLen(unix.CmsgLen(unix.SizeofInet4Pktinfo))
		pi := (*unix.Inet4Pktinfo)(unsafe.Pointer(&oob[start+unix.CmsgLen(0)]))
		pi.Spec_dst = local.Addr.As4()
		return oob
	case local.Addr.Is6():
		start := len(oob)
		oob = append(oob, make([]byte, unix.CmsgSpace(unix.SizeofInet6Pktinfo))...)
		hdr := (*unix.Cmsghdr)(unsafe.Pointer(&oob[start]))
		hdr.Level = unix.IPPROTO_IPV6
		hdr.Type = unix.IPV6_PKTINFO
		hdr.SetLen(unix.CmsgLen(unix.SizeofInet6Pktinfo))
		pi := (*unix.Inet6Pktinfo)(unsafe.Pointer(&oob[start+unix.CmsgLen(0)]))
		pi.Addr = local.Addr.As16()
		return oob
	default:
		return oob
	}
}
