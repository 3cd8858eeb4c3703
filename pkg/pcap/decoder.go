package pcap

import (
	"encoding/binary"
	"fmt"
)

// RecordHeaderSize is the size in bytes of a pcap per-packet record header:
// ts_sec, ts_usec, incl_len, orig_len, each a 4-byte little-endian field.
const RecordHeaderSize = 16

// GlobalHeaderSize is the size of the file-level pcap header written once
// at the start of every capture file and prefixed to cron-forwarded packet
// streams.
const GlobalHeaderSize = 24

// GlobalHeader is the fixed 24-byte classic libpcap file header (magic,
// version, zone, sigfigs, snaplen, network) written at the start of every
// synthesized capture file: forwarded cron streams, received sessions, and
// single-session pcap downloads all prefix this same header.
var GlobalHeader = []byte{
	0xd4, 0xc3, 0xb2, 0xa1, // magic
	0x02, 0x00, 0x04, 0x00, // version major/minor
	0x00, 0x00, 0x00, 0x00, // thiszone
	0x00, 0x00, 0x00, 0x00, // sigfigs
	0xff, 0xff, 0x00, 0x00, // snaplen
	0x01, 0x00, 0x00, 0x00, // network (LINKTYPE_ETHERNET)
}

// RecordHeader is the fixed-size header preceding every packet's payload.
type RecordHeader struct {
	TSSec   uint32
	TSUsec  uint32
	InclLen uint32
	OrigLen uint32
}

// Packet is one decoded record: its header plus the captured payload bytes.
type Packet struct {
	Header  RecordHeader
	Payload []byte
}

// ReadPacket locates the record at the given absolute byte offset in
// handle's file and decodes its header and payload.
func ReadPacket(h *Handle, offset int64) (Packet, error) {
	headerBuf := make([]byte, RecordHeaderSize)
	if _, err := h.File.ReadAt(headerBuf, offset); err != nil {
		return Packet{}, fmt.Errorf("reading record header at offset %d: %w", offset, err)
	}

	header := RecordHeader{
		TSSec:   binary.LittleEndian.Uint32(headerBuf[0:4]),
		TSUsec:  binary.LittleEndian.Uint32(headerBuf[4:8]),
		InclLen: binary.LittleEndian.Uint32(headerBuf[8:12]),
		OrigLen: binary.LittleEndian.Uint32(headerBuf[12:16]),
	}

	payload := make([]byte, header.InclLen)
	if header.InclLen > 0 {
		if _, err := h.File.ReadAt(payload, offset+RecordHeaderSize); err != nil {
			return Packet{}, fmt.Errorf("reading packet payload at offset %d: %w", offset+RecordHeaderSize, err)
		}
	}

	return Packet{Header: header, Payload: payload}, nil
}

// FileNumAndOffsets splits a session's packetPos list into per-file
// positive byte offsets. A leading negative entry switches the active file
// number for every following positive entry, per the encoding used by the
// capture process.
func FileNumAndOffsets(packetPos []int64, startFileNum int) map[int][]int64 {
	out := make(map[int][]int64)
	currentFile := startFileNum

	for _, pos := range packetPos {
		if pos < 0 {
			currentFile = int(-pos)
			continue
		}
		out[currentFile] = append(out[currentFile], pos)
	}
	return out
}
