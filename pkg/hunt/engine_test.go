package hunt

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetcap/viewer/pkg/cluster"
	"github.com/fleetcap/viewer/pkg/pcap"
	"github.com/fleetcap/viewer/pkg/session"
)

type fixedPathResolver struct {
	path string
}

func (r fixedPathResolver) PathFor(_ string, _ int) (string, error) {
	return r.path, nil
}

func writeHuntFixture(t *testing.T, payload []byte) string {
	t.Helper()
	header := make([]byte, pcap.RecordHeaderSize)
	header[8] = byte(len(payload)) // inclLen, little-endian, fits in one byte for test fixtures
	f, err := os.CreateTemp(t.TempDir(), "hunt-*.pcap")
	require.NoError(t, err)
	_, err = f.Write(append(header, payload...))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func newTestEngine(t *testing.T, huntStore *FakeStore, sessStore *session.FakeStore, pcapPath string) *Engine {
	pcapStore := pcap.NewStore(fixedPathResolver{path: pcapPath})
	fleet := cluster.NewFleet("node0", map[string]cluster.Node{
		"node0": {Name: "node0", ViewURL: "http://node0.local", Scheme: "http"},
	})
	resolver := cluster.NewResolver(fleet)
	proxy := cluster.NewProxy(fleet)
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	return NewEngine(huntStore, sessStore, pcapStore, resolver, proxy, nil, logger)
}

func TestEngineRunsQueuedHuntAndMatches(t *testing.T) {
	path := writeHuntFixture(t, []byte("needle-in-payload"))

	sessStore := session.NewFakeStore()
	sessStore.Seed(session.Session{
		ID:         "s1",
		Node:       "node0",
		LastPacket: 1000,
		FileID:     []int{1},
		PacketPos:  []int64{0},
	})

	huntStore := NewFakeStore()
	huntStore.Hunts["h1"] = Hunt{
		ID:         "h1",
		Name:       "find needle",
		UserID:     "alice",
		Expression: "tags==seed",
		StartTime:  0,
		StopTime:   10,
		Search:     "needle",
		SearchType: SearchAscii,
		PacketMode: ModeRaw,
		Src:        true,
		Dst:        true,
		Status:     StatusQueued,
	}

	engine := newTestEngine(t, huntStore, sessStore, path)
	engine.processHuntJobs(context.Background())

	got := huntStore.Hunts["h1"]
	require.Equal(t, StatusFinished, got.Status)
	require.Equal(t, 1, got.MatchedSessions)
	require.Equal(t, 1, got.SearchedSessions)

	s, err := sessStore.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Contains(t, s.HuntID, "h1")
}

func TestEngineUnrunnableOnBadPattern(t *testing.T) {
	sessStore := session.NewFakeStore()
	huntStore := NewFakeStore()
	huntStore.Hunts["h1"] = Hunt{
		ID:         "h1",
		Expression: "tags==seed",
		Search:     "(",
		SearchType: SearchRegex,
		Status:     StatusQueued,
	}

	engine := newTestEngine(t, huntStore, sessStore, "")
	engine.processHuntJobs(context.Background())

	got := huntStore.Hunts["h1"]
	require.Equal(t, StatusPaused, got.Status)
	require.True(t, got.Unrunnable)
}
