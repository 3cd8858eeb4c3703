package hunt

import (
	"context"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetcap/viewer/pkg/pcap"
	"github.com/fleetcap/viewer/pkg/session"
)

type fixedPathResolver struct{ path string }

func (r fixedPathResolver) PathFor(_ string, _ int) (string, error) { return r.path, nil }

// ethIPv4TCP builds a minimal Ethernet+IPv4+TCP frame carrying appPayload,
// the same frame shape pkg/pcap/fingerprint.go parses.
func ethIPv4TCP(src, dst [4]byte, sport, dport uint16, appPayload []byte) []byte {
	frame := make([]byte, 14+20+20+len(appPayload))
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)

	ip := frame[14:]
	ip[0] = 0x45
	ip[9] = 6 // TCP
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])

	tcp := frame[34:]
	binary.BigEndian.PutUint16(tcp[0:2], sport)
	binary.BigEndian.PutUint16(tcp[2:4], dport)

	copy(frame[54:], appPayload)
	return frame
}

// writeRecords writes a sequence of raw payloads as back-to-back pcap
// records (no global header, matching how ReadPacket addresses records by
// absolute file offset) and returns each record's starting offset.
func writeRecords(t *testing.T, payloads [][]byte) (path string, offsets []int64) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "packetsearch-*.pcap")
	require.NoError(t, err)

	var pos int64
	for _, payload := range payloads {
		offsets = append(offsets, pos)
		var hdr [pcap.RecordHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
		_, err := f.Write(hdr[:])
		require.NoError(t, err)
		_, err = f.Write(payload)
		require.NoError(t, err)
		pos += int64(pcap.RecordHeaderSize) + int64(len(payload))
	}
	require.NoError(t, f.Close())
	return f.Name(), offsets
}

func newPacketSearchSession(packetPos []int64) session.Session {
	return session.Session{
		ID:        "s1",
		Node:      "node0",
		FileID:    []int{1},
		PacketPos: packetPos,
		SrcIP:     "10.0.0.1",
		DstIP:     "10.0.0.2",
		SrcPort:   51000,
		DstPort:   443,
	}
}

func TestPacketSearchHonorsSrcOnlyDirection(t *testing.T) {
	clientToServer := ethIPv4TCP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 51000, 443, []byte("GET / HTTP/1.1"))
	serverToClient := ethIPv4TCP([4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 1}, 443, 51000, []byte("HTTP/1.1 200 OK"))

	path, offsets := writeRecords(t, [][]byte{clientToServer, serverToClient})
	store := pcap.NewStore(fixedPathResolver{path: path})
	sess := newPacketSearchSession(offsets)

	pattern, err := CompilePattern("200 OK", SearchAscii)
	require.NoError(t, err)

	// The match only exists in the server->client direction; a src-only
	// raw search must not find it.
	matched, err := PacketSearch(context.Background(), store, sess, PacketSearchOptions{
		Pattern: pattern, Mode: ModeRaw, Src: true, Dst: false,
	})
	require.NoError(t, err)
	require.False(t, matched)

	matched, err = PacketSearch(context.Background(), store, sess, PacketSearchOptions{
		Pattern: pattern, Mode: ModeRaw, Src: false, Dst: true,
	})
	require.NoError(t, err)
	require.True(t, matched)
}

func TestPacketSearchBothDirectionsSkipsFiltering(t *testing.T) {
	clientToServer := ethIPv4TCP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 51000, 443, []byte("GET / HTTP/1.1"))
	serverToClient := ethIPv4TCP([4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 1}, 443, 51000, []byte("HTTP/1.1 200 OK"))

	path, offsets := writeRecords(t, [][]byte{clientToServer, serverToClient})
	store := pcap.NewStore(fixedPathResolver{path: path})
	sess := newPacketSearchSession(offsets)

	pattern, err := CompilePattern("GET /", SearchAscii)
	require.NoError(t, err)

	matched, err := PacketSearch(context.Background(), store, sess, PacketSearchOptions{
		Pattern: pattern, Mode: ModeRaw, Src: true, Dst: true,
	})
	require.NoError(t, err)
	require.True(t, matched)
}

func TestPacketSearchReassembledOrdersByTimestamp(t *testing.T) {
	first := ethIPv4TCP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 51000, 443, []byte("part-one"))
	second := ethIPv4TCP([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 51000, 443, []byte("part-two"))

	// Write second before first on disk, but stamp first with the earlier
	// timestamp; reassembled mode must still see "part-one" first.
	path, offsets := writeRecords(t, [][]byte{second, first})
	store := pcap.NewStore(fixedPathResolver{path: path})

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	var secondTS [4]byte
	binary.LittleEndian.PutUint32(secondTS[:], 2)
	_, err = f.WriteAt(secondTS[:], offsets[0])
	require.NoError(t, err)
	var firstTS [4]byte
	binary.LittleEndian.PutUint32(firstTS[:], 1)
	_, err = f.WriteAt(firstTS[:], offsets[1])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sess := newPacketSearchSession(offsets)
	pattern, err := CompilePattern("part-one", SearchAscii)
	require.NoError(t, err)

	// MaxBytes caps the scan at one packet's worth of payload, so this only
	// finds "part-one" if reassembled mode actually reordered it first;
	// raw on-disk order would hit "part-two" first and stop there.
	matched, err := PacketSearch(context.Background(), store, sess, PacketSearchOptions{
		Pattern: pattern, Mode: ModeReassembled, Src: true, Dst: true, MaxBytes: len("part-two"),
	})
	require.NoError(t, err)
	require.True(t, matched)
}
