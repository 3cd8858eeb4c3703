package pcap

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetcap/viewer/pkg/session"
)

// WhatToRemove selects how much of a session a scrub request destroys.
type WhatToRemove string

const (
	RemoveSPI  WhatToRemove = "spi"
	RemovePcap WhatToRemove = "pcap"
	RemoveAll  WhatToRemove = "all"
)

// Scrubber applies the scrub policy described for DELETE /sessions: spi
// deletes only the session document, pcap destructively overwrites the
// packet bytes and marks the document as scrubbed, all does both.
type Scrubber struct {
	store   *Store
	sessDB  session.Store
	nowFunc func() time.Time
}

func NewScrubber(store *Store, sessDB session.Store) *Scrubber {
	return &Scrubber{store: store, sessDB: sessDB, nowFunc: time.Now}
}

// Scrub applies what to the session identified by id, as userID.
func (s *Scrubber) Scrub(ctx context.Context, id, userID string, what WhatToRemove) error {
	switch what {
	case RemoveSPI:
		return s.sessDB.Delete(ctx, id)
	case RemovePcap:
		if err := s.scrubPackets(ctx, id); err != nil {
			return err
		}
		return s.sessDB.Update(ctx, id, map[string]any{
			"scrubby": userID,
			"scrubat": s.nowFunc().UnixMilli(),
		})
	case RemoveAll:
		if err := s.scrubPackets(ctx, id); err != nil {
			return err
		}
		if err := s.sessDB.Update(ctx, id, map[string]any{
			"scrubby": userID,
			"scrubat": s.nowFunc().UnixMilli(),
		}); err != nil {
			return err
		}
		return s.sessDB.Delete(ctx, id)
	default:
		return fmt.Errorf("unknown whatToRemove %q", what)
	}
}

func (s *Scrubber) scrubPackets(ctx context.Context, id string) error {
	sess, err := s.sessDB.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", id, err)
	}

	startFileNum := 0
	if len(sess.FileID) > 0 {
		startFileNum = sess.FileID[0]
	}
	byFile := FileNumAndOffsets(sess.PacketPos, startFileNum)

	for fileNum, offsets := range byFile {
		if err := s.scrubFile(sess.Node, fileNum, offsets); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scrubber) scrubFile(node string, fileNum int, offsets []int64) error {
	h, err := s.store.Open(ModeWrite, node, fileNum)
	if err != nil {
		return fmt.Errorf("opening node %s file %d for scrub: %w", node, fileNum, err)
	}
	defer h.Release()

	for _, offset := range offsets {
		pkt, err := ReadPacket(h, offset)
		if err != nil {
			return fmt.Errorf("reading packet at offset %d for scrub: %w", offset, err)
		}
		if err := ScrubPacket(h, offset+RecordHeaderSize, len(pkt.Payload), true); err != nil {
			return fmt.Errorf("scrubbing packet at offset %d: %w", offset, err)
		}
	}
	return nil
}
