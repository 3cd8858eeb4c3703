package pcap

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetcap/viewer/pkg/session"
)

func TestScrubberRemoveSPIDeletesDocumentOnly(t *testing.T) {
	sessDB := session.NewFakeStore()
	sessDB.Seed(session.Session{ID: "s1", Node: "node0"})

	store := NewStore(fixedResolver{path: "/dev/null"})
	scrubber := NewScrubber(store, sessDB)

	ctx := context.Background()
	require.NoError(t, scrubber.Scrub(ctx, "s1", "alice", RemoveSPI))

	_, err := sessDB.Get(ctx, "s1")
	require.Error(t, err)
}

func TestScrubberRemovePcapScrubsAndMarksSession(t *testing.T) {
	header := make([]byte, RecordHeaderSize)
	payload := []byte("classified payload bytes")
	path := writeTestFile(t, append(header, payload...))

	sessDB := session.NewFakeStore()
	sessDB.Seed(session.Session{
		ID:        "s1",
		Node:      "node0",
		FileID:    []int{1},
		PacketPos: []int64{0},
	})

	store := NewStore(fixedResolver{path: path})
	scrubber := NewScrubber(store, sessDB)

	ctx := context.Background()
	require.NoError(t, scrubber.Scrub(ctx, "s1", "alice", RemovePcap))

	got, err := sessDB.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "alice", got.Scrubby)
	require.NotZero(t, got.ScrubAt)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, repeatToLength(scrubPhrase, len(payload)), contents[RecordHeaderSize:])
}

func TestScrubberRemoveAllDeletesSessionAfterScrubbing(t *testing.T) {
	header := make([]byte, RecordHeaderSize)
	payload := []byte("classified payload bytes")
	path := writeTestFile(t, append(header, payload...))

	sessDB := session.NewFakeStore()
	sessDB.Seed(session.Session{
		ID:        "s1",
		Node:      "node0",
		FileID:    []int{1},
		PacketPos: []int64{0},
	})

	store := NewStore(fixedResolver{path: path})
	scrubber := NewScrubber(store, sessDB)

	ctx := context.Background()
	require.NoError(t, scrubber.Scrub(ctx, "s1", "alice", RemoveAll))

	_, err := sessDB.Get(ctx, "s1")
	require.Error(t, err)
}
