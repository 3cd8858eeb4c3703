// Package session implements the typed facade over the session index
// (sessions2-*) — the system-of-record documents produced by the external
// capture process and mutated here only through tags and hunt fields.
package session

import "encoding/json"

// FileRef pairs a PCAP file number with the byte offsets of the packets this
// session contributed to that file. Session.FileID itself is a plain list of
// file numbers and does not use this type. A leading
// negative entry in PacketPos (not here — see pkg/pcap) encodes the file
// number switch for subsequent positive offsets.
type FileRef struct {
	FileNum int     `json:"fileNum"`
	Offsets []int64 `json:"offsets"`
}

// Session is the in-memory projection of a sessions2-* document. Extra is
// tagged json:"-" and Session has no custom JSON methods, so Extra is never
// filled when a document is decoded and never written back: fields this
// struct does not model are dropped when a decoded Session is re-indexed with
// Put. Partial updates (Update, AddTagToSession, AddHuntToSession) leave such
// fields in the stored document untouched.
type Session struct {
	ID          string             `json:"id"`
	Node        string             `json:"node"`
	FirstPacket int64              `json:"firstPacket"`
	LastPacket  int64              `json:"lastPacket"`
	FileID      []int              `json:"fileId"`
	PacketPos   []int64            `json:"packetPos"`
	Tags        []string           `json:"tags,omitempty"`
	HuntID      []string           `json:"huntId,omitempty"`
	HuntName    []string           `json:"huntName,omitempty"`
	Scrubby     string             `json:"scrubby,omitempty"`
	ScrubAt     int64              `json:"scrubat,omitempty"`

	SrcIP   string `json:"srcIp,omitempty"`
	DstIP   string `json:"dstIp,omitempty"`
	SrcPort int    `json:"srcPort,omitempty"`
	DstPort int    `json:"dstPort,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Fingerprint returns the (srcIp, dstIp, srcPort, dstPort) tuple used to
// classify a packet as client-to-server vs. server-to-client.
type Fingerprint struct {
	SrcIP   string
	DstIP   string
	SrcPort int
	DstPort int
}

func (s Session) Fingerprint() Fingerprint {
	return Fingerprint{SrcIP: s.SrcIP, DstIP: s.DstIP, SrcPort: s.SrcPort, DstPort: s.DstPort}
}

// HasTag reports whether the session already carries tag.
func (s Session) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
