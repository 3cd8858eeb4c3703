package pcap

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildIPv4TCP assembles a minimal Ethernet+IPv4+TCP frame: real field
// layout, but no checksums or options, since ExtractFingerprint never
// validates either.
func buildIPv4TCP(t *testing.T, src, dst [4]byte, sport, dport uint16) []byte {
	t.Helper()
	frame := make([]byte, 14+20+20)
	binary.BigEndian.PutUint16(frame[12:14], ethTypeIPv4)

	ip := frame[14:]
	ip[0] = 0x45 // version 4, IHL 5 (20 bytes)
	ip[9] = protoTCP
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])

	tcp := frame[14+20:]
	binary.BigEndian.PutUint16(tcp[0:2], sport)
	binary.BigEndian.PutUint16(tcp[2:4], dport)

	return frame
}

func TestExtractFingerprintParsesIPv4TCP(t *testing.T) {
	frame := buildIPv4TCP(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 51000, 443)

	fp, ok := ExtractFingerprint(frame)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", fp.SrcIP)
	require.Equal(t, "10.0.0.2", fp.DstIP)
	require.Equal(t, 51000, fp.SrcPort)
	require.Equal(t, 443, fp.DstPort)
}

func TestExtractFingerprintRejectsNonIPEthertype(t *testing.T) {
	frame := make([]byte, 14)
	binary.BigEndian.PutUint16(frame[12:14], 0x0806) // ARP

	_, ok := ExtractFingerprint(frame)
	require.False(t, ok)
}

func TestExtractFingerprintRejectsShortFrame(t *testing.T) {
	_, ok := ExtractFingerprint([]byte{1, 2, 3})
	require.False(t, ok)
}

func TestExtractFingerprintRejectsNonTCPUDPProtocol(t *testing.T) {
	frame := buildIPv4TCP(t, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 0, 0)
	frame[14+9] = 1 // ICMP, not TCP/UDP

	_, ok := ExtractFingerprint(frame)
	require.False(t, ok)
}
