package pcap

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// ReceivedFile describes a capture file this node just wrote for a session
// forwarded to it by a peer's cron engine.
type ReceivedFile struct {
	Num  int
	Path string
	Size int64
}

// ReceiveStore writes forwarded packet streams (global header plus
// concatenated records, exactly as framed by the cron engine's
// frameForward) to new files under dir, handing each one the next number in
// a node-local sequence so it never collides with a capture-process file.
type ReceiveStore struct {
	dir    string
	prefix string
	next   int64
}

// NewReceiveStore builds a store rooted at dir. startNum seeds the sequence
// above any file number the local capture process might still assign.
func NewReceiveStore(dir string, startNum int) *ReceiveStore {
	return &ReceiveStore{dir: dir, prefix: "forwarded", next: int64(startNum)}
}

// Write saves pcapBody (already prefixed with the global header) to a new
// file and returns its assigned number, path, and size.
func (s *ReceiveStore) Write(pcapBody []byte) (ReceivedFile, error) {
	num := int(atomic.AddInt64(&s.next, 1))
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%d.pcap", s.prefix, num))

	if err := os.WriteFile(path, pcapBody, 0o644); err != nil {
		return ReceivedFile{}, fmt.Errorf("writing received capture %q: %w", path, err)
	}
	return ReceivedFile{Num: num, Path: path, Size: int64(len(pcapBody))}, nil
}
