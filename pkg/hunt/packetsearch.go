package hunt

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/fleetcap/viewer/pkg/pcap"
	"github.com/fleetcap/viewer/pkg/session"
)

// Pattern is a compiled packetSearch predicate: a literal or regex matcher
// over either the UTF-8 decoded payload or its lowercase hex encoding.
type Pattern struct {
	searchType SearchType
	literal    string // lowercased for ascii; lowercase hex for hex
	re         *regexp.Regexp
}

// CompilePattern compiles search per searchType. regex/hexregex compile an
// anchor-free RE2 expression (catastrophic backtracking is impossible by
// construction); the others are plain substring matches.
func CompilePattern(search string, searchType SearchType) (Pattern, error) {
	switch searchType {
	case SearchAscii:
		return Pattern{searchType: searchType, literal: strings.ToLower(search)}, nil
	case SearchAsciiCase:
		return Pattern{searchType: searchType, literal: search}, nil
	case SearchHex:
		return Pattern{searchType: searchType, literal: strings.ToLower(search)}, nil
	case SearchRegex, SearchHexRegex:
		re, err := regexp.Compile(search)
		if err != nil {
			return Pattern{}, fmt.Errorf("compiling search pattern: %w", err)
		}
		return Pattern{searchType: searchType, re: re}, nil
	default:
		return Pattern{}, fmt.Errorf("unknown searchType %q", searchType)
	}
}

// Match reports whether payload satisfies the compiled pattern.
func (p Pattern) Match(payload []byte) bool {
	switch p.searchType {
	case SearchAscii:
		return strings.Contains(strings.ToLower(string(payload)), p.literal)
	case SearchAsciiCase:
		return strings.Contains(string(payload), p.literal)
	case SearchHex:
		return strings.Contains(hexLower(payload), p.literal)
	case SearchRegex:
		return p.re.Match(payload)
	case SearchHexRegex:
		return p.re.MatchString(hexLower(payload))
	default:
		return false
	}
}

func hexLower(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}

// PacketSearchOptions configures one session's packetSearch call.
type PacketSearchOptions struct {
	Pattern  Pattern
	Mode     PacketMode
	Src      bool
	Dst      bool
	MaxBytes int
}

// PacketSearch scans sess's PCAP bytes for a pattern match, opening packet
// files through store. It returns on the first match (short-circuit).
//
// Mode selects how packets are ordered before the pattern runs: raw reads
// them in on-disk file/offset order; reassembled sorts them into capture
// timestamp order first, approximating "application order" without full
// TCP sequence-number reassembly. Both modes apply the same src/dst
// fingerprint filter whenever the caller didn't request both directions.
func PacketSearch(ctx context.Context, store *pcap.Store, sess session.Session, opts PacketSearchOptions) (bool, error) {
	if len(sess.PacketPos) == 0 {
		return false, nil
	}

	startFileNum := 0
	if len(sess.FileID) > 0 {
		startFileNum = sess.FileID[0]
	}
	byFile := pcap.FileNumAndOffsets(sess.PacketPos, startFileNum)

	packets, err := readAll(ctx, store, sess.Node, byFile)
	if err != nil {
		return false, err
	}

	if opts.Mode == ModeReassembled {
		sort.SliceStable(packets, func(i, j int) bool {
			hi, hj := packets[i].Header, packets[j].Header
			if hi.TSSec != hj.TSSec {
				return hi.TSSec < hj.TSSec
			}
			return hi.TSUsec < hj.TSUsec
		})
	}

	fp := sess.Fingerprint()
	bytesRead := 0
	for _, pkt := range packets {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		if !(opts.Src && opts.Dst) && !matchesDirection(fp, pkt, opts) {
			continue
		}

		if opts.Pattern.Match(pkt.Payload) {
			return true, nil
		}

		bytesRead += len(pkt.Payload)
		if opts.MaxBytes > 0 && bytesRead >= opts.MaxBytes {
			break
		}
	}

	return false, nil
}

// readAll opens each file referenced by byFile once and reads every packet
// at its listed offsets, releasing handles as it goes.
func readAll(ctx context.Context, store *pcap.Store, node string, byFile map[int][]int64) ([]pcap.Packet, error) {
	fileNums := make([]int, 0, len(byFile))
	for fileNum := range byFile {
		fileNums = append(fileNums, fileNum)
	}
	sort.Ints(fileNums)

	var out []pcap.Packet
	for _, fileNum := range fileNums {
		offsets := byFile[fileNum]
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		h, err := store.Open(pcap.ModeRead, node, fileNum)
		if err != nil {
			return nil, fmt.Errorf("opening node %s file %d: %w", node, fileNum, err)
		}

		for _, offset := range offsets {
			pkt, err := pcap.ReadPacket(h, offset)
			if err != nil {
				h.Release()
				return nil, fmt.Errorf("reading packet at offset %d: %w", offset, err)
			}
			out = append(out, pkt)
		}
		h.Release()
	}
	return out, nil
}

// matchesDirection classifies pkt as client->server or server->client by
// comparing its parsed (srcIp,dstIp,sport,dport) against the session's
// fingerprint, then reports whether that direction is one the caller asked
// for. Packets that can't be classified (non-IP/TCP/UDP payloads) are kept
// rather than silently dropped, since excluding them could hide a match.
func matchesDirection(fp session.Fingerprint, pkt pcap.Packet, opts PacketSearchOptions) bool {
	pktFP, ok := pcap.ExtractFingerprint(pkt.Payload)
	if !ok {
		return true
	}

	isFromSrc := pktFP.SrcIP == fp.SrcIP && pktFP.DstIP == fp.DstIP && pktFP.SrcPort == fp.SrcPort && pktFP.DstPort == fp.DstPort
	isFromDst := pktFP.SrcIP == fp.DstIP && pktFP.DstIP == fp.SrcIP && pktFP.SrcPort == fp.DstPort && pktFP.DstPort == fp.SrcPort

	if opts.Src && isFromSrc {
		return true
	}
	if opts.Dst && isFromDst {
		return true
	}
	return false
}
