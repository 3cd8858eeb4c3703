package cron

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetcap/viewer/pkg/cluster"
	"github.com/fleetcap/viewer/pkg/notifier"
	"github.com/fleetcap/viewer/pkg/pcap"
	"github.com/fleetcap/viewer/pkg/session"
)

type fixedPathResolver struct{ path string }

func (r fixedPathResolver) PathFor(_ string, _ int) (string, error) { return r.path, nil }

func writeQueryFixture(t *testing.T, payload []byte) string {
	t.Helper()
	header := make([]byte, pcap.RecordHeaderSize)
	header[8] = byte(len(payload))
	f, err := os.CreateTemp(t.TempDir(), "cron-*.pcap")
	require.NoError(t, err)
	_, err = f.Write(append(header, payload...))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func newTestEngine(t *testing.T, store *FakeStore, sessStore *session.FakeStore, pcapPath string, remotes RemoteClusters, notifiers *notifier.Registry) *Engine {
	pcapStore := pcap.NewStore(fixedPathResolver{path: pcapPath})
	fleet := cluster.NewFleet("node0", map[string]cluster.Node{
		"node0": {Name: "node0", ViewURL: "http://node0.local", Scheme: "http"},
	})
	resolver := cluster.NewResolver(fleet)
	proxy := cluster.NewProxy(fleet)
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	users := MapUserResolver{"alice": {ID: "alice", Enabled: true}}

	return NewEngine(store, sessStore, users, pcapStore, resolver, proxy, remotes, notifiers, logger)
}

func TestEngineTagActionAppendsTags(t *testing.T) {
	sessStore := session.NewFakeStore()
	sessStore.Seed(session.Session{ID: "s1", Node: "node0", LastPacket: 1000})

	store := NewFakeStore()
	store.Queries["q1"] = Query{
		ID:         "q1",
		Creator:    "alice",
		Enabled:    true,
		Expression: "",
		Action:     ActionTag,
		Tags:       "suspicious, investigate",
		LPValue:    0,
	}

	engine := newTestEngine(t, store, sessStore, "", nil, nil)
	advanced, err := engine.processQuery(context.Background(), store.Queries["q1"], time.Now().Unix())
	require.NoError(t, err)
	require.True(t, advanced)

	sess, err := sessStore.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Contains(t, sess.Tags, "suspicious")
	require.Contains(t, sess.Tags, "investigate")

	got := store.Queries["q1"]
	require.Equal(t, int64(1), got.Count)
}

func TestEngineWindowSlicingBoundsCatchUp(t *testing.T) {
	sessStore := session.NewFakeStore()
	store := NewFakeStore()
	store.Queries["q1"] = Query{
		ID:      "q1",
		Creator: "alice",
		Enabled: true,
		Action:  ActionTag,
		Tags:    "old",
		LPValue: 0,
	}

	engine := newTestEngine(t, store, sessStore, "", nil, nil)
	endTime := int64(100000) // more than one maxWindowSeconds slice from lpValue=0, less than two

	advanced, err := engine.processQuery(context.Background(), store.Queries["q1"], endTime)
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, int64(maxWindowSeconds), store.Queries["q1"].LPValue)

	// second tick drains the remainder up to endTime
	advanced, err = engine.processQuery(context.Background(), store.Queries["q1"], endTime)
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, endTime, store.Queries["q1"].LPValue)
}

func TestEngineForwardActionPostsFramedBody(t *testing.T) {
	path := writeQueryFixture(t, []byte("forwarded-packet"))

	var receivedPath string
	var receivedContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path + "?" + r.URL.RawQuery
		receivedContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		require.NotEmpty(t, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sessStore := session.NewFakeStore()
	sessStore.Seed(session.Session{
		ID:         "s1",
		Node:       "node0",
		LastPacket: 1000,
		FileID:     []int{1},
		PacketPos:  []int64{0},
	})

	store := NewFakeStore()
	store.Queries["q1"] = Query{
		ID:      "q1",
		Creator: "alice",
		Enabled: true,
		Action:  Action(forwardPrefix + "siteB"),
		LPValue: 0,
	}
	remotes := RemoteClusters{"siteB": {Name: "siteB", URL: server.URL, Secret: "s"}}

	engine := newTestEngine(t, store, sessStore, path, remotes, nil)
	advanced, err := engine.processQuery(context.Background(), store.Queries["q1"], time.Now().Unix())
	require.NoError(t, err)
	require.True(t, advanced)

	require.Equal(t, "application/octet-stream", receivedContentType)
	require.Contains(t, receivedPath, "/api/sessions/receive")
	require.Contains(t, receivedPath, "saveId=node0-")
}

type recordingNotifier struct {
	name string
	sent []notifier.CompletionMessage
}

func (n *recordingNotifier) Name() string { return n.name }
func (n *recordingNotifier) Send(_ context.Context, msg notifier.CompletionMessage) error {
	n.sent = append(n.sent, msg)
	return nil
}

func TestEngineNotifiesOnCountGrowth(t *testing.T) {
	sessStore := session.NewFakeStore()
	sessStore.Seed(session.Session{ID: "s1", Node: "node0", LastPacket: 1000})

	store := NewFakeStore()
	store.Queries["q1"] = Query{
		ID:           "q1",
		Creator:      "alice",
		Enabled:      true,
		Action:       ActionTag,
		Tags:         "flag",
		LPValue:      0,
		NotifierName: "slack",
	}

	reg := notifier.NewRegistry()
	rec := &recordingNotifier{name: "slack"}
	reg.Register(rec)

	engine := newTestEngine(t, store, sessStore, "", nil, reg)
	_, err := engine.processQuery(context.Background(), store.Queries["q1"], time.Now().Unix())
	require.NoError(t, err)

	require.Len(t, rec.sent, 1)
	require.Equal(t, "cron", rec.sent[0].Kind)
	require.Equal(t, 1, rec.sent[0].MatchedCount)
	require.Equal(t, int64(1), store.Queries["q1"].LastNotifiedCount)
}
