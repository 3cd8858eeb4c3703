package pcap

import (
	"encoding/binary"
	"net"

	"github.com/fleetcap/viewer/pkg/session"
)

const (
	ethHeaderLen = 14
	ethTypeIPv4  = 0x0800
	ethTypeIPv6  = 0x86dd

	ipv4MinHeaderLen = 20
	ipv6HeaderLen    = 40

	protoTCP = 6
	protoUDP = 17
)

// ExtractFingerprint parses a captured packet's payload far enough to
// recover the IPv4/IPv6 + TCP/UDP 4-tuple: Payload is an Ethernet frame
// (GlobalHeader's network field is LINKTYPE_ETHERNET), so this walks
// Ethernet -> IPv4/IPv6 -> TCP/UDP by hand rather than pulling in a
// general-purpose packet decoder for four fields. ok is false for anything
// that isn't an IPv4/IPv6 TCP/UDP packet (ARP, fragments, other ethertypes),
// which the caller treats as unclassifiable rather than a parse error.
func ExtractFingerprint(payload []byte) (fp session.Fingerprint, ok bool) {
	if len(payload) < ethHeaderLen {
		return fp, false
	}

	switch binary.BigEndian.Uint16(payload[12:14]) {
	case ethTypeIPv4:
		return extractIPv4(payload[ethHeaderLen:])
	case ethTypeIPv6:
		return extractIPv6(payload[ethHeaderLen:])
	default:
		return fp, false
	}
}

func extractIPv4(b []byte) (fp session.Fingerprint, ok bool) {
	if len(b) < ipv4MinHeaderLen {
		return fp, false
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < ipv4MinHeaderLen || len(b) < ihl {
		return fp, false
	}

	sport, dport, ok := extractPorts(b[9], b[ihl:])
	if !ok {
		return fp, false
	}
	return session.Fingerprint{
		SrcIP:   net.IP(b[12:16]).String(),
		DstIP:   net.IP(b[16:20]).String(),
		SrcPort: sport,
		DstPort: dport,
	}, true
}

func extractIPv6(b []byte) (fp session.Fingerprint, ok bool) {
	if len(b) < ipv6HeaderLen {
		return fp, false
	}

	// Extension headers between the fixed header and the transport header
	// are uncommon in captured traffic and unsupported here; nextHeader is
	// read as the transport protocol directly.
	sport, dport, ok := extractPorts(b[6], b[ipv6HeaderLen:])
	if !ok {
		return fp, false
	}
	return session.Fingerprint{
		SrcIP:   net.IP(b[8:24]).String(),
		DstIP:   net.IP(b[24:40]).String(),
		SrcPort: sport,
		DstPort: dport,
	}, true
}

// extractPorts reads the first four bytes common to both the TCP and UDP
// header layouts: source port then destination port, big-endian.
func extractPorts(proto byte, l4 []byte) (sport, dport int, ok bool) {
	if (proto != protoTCP && proto != protoUDP) || len(l4) < 4 {
		return 0, 0, false
	}
	return int(binary.BigEndian.Uint16(l4[0:2])), int(binary.BigEndian.Uint16(l4[2:4])), true
}
