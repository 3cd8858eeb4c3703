package pcap

import (
	"bytes"
	"fmt"
)

// scrubPhrase is the ASCII phrase repeated to fill an arbitrary length
// buffer in the third of the three fixed scrub passes.
const scrubPhrase = "Scrubbed! Hoot! "

// ScrubPacket overwrites the payload (and, if alsoHeader is set, the
// RecordHeaderSize-byte header preceding it) at offset with three
// fixed passes: all-zero, all-one, then the repeating scrub phrase. There is
// no fsync after the final pass; callers that need durability must sync the
// handle themselves.
func ScrubPacket(h *Handle, offset int64, length int, alsoHeader bool) error {
	if h.Mode != ModeWrite {
		return fmt.Errorf("scrub requires a handle opened in write mode")
	}

	start := offset
	scrubLen := length
	if alsoHeader {
		start -= RecordHeaderSize
		scrubLen += RecordHeaderSize
	}
	if start < 0 || scrubLen <= 0 {
		return fmt.Errorf("invalid scrub range at offset %d length %d", offset, length)
	}

	for _, fill := range scrubFillBuffers(scrubLen) {
		if _, err := h.File.WriteAt(fill, start); err != nil {
			return fmt.Errorf("scrub pass at offset %d: %w", start, err)
		}
	}
	return nil
}

func scrubFillBuffers(length int) [3][]byte {
	zero := make([]byte, length)
	one := bytes.Repeat([]byte{0x01}, length)
	phrase := repeatToLength(scrubPhrase, length)
	return [3][]byte{zero, one, phrase}
}

func repeatToLength(phrase string, length int) []byte {
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		out[i] = phrase[i%len(phrase)]
	}
	return out
}
