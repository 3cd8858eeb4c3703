package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/fleetcap/viewer/pkg/cluster"
	"github.com/fleetcap/viewer/pkg/expr"
	"github.com/fleetcap/viewer/pkg/httpfront"
	"github.com/fleetcap/viewer/pkg/pcap"
)

// fakeFileStore is an in-memory pcap.FileStore, so the handler tests don't
// need a live Elasticsearch client to resolve file paths or register
// received captures.
type fakeFileStore struct {
	files map[string]pcap.PcapFile
}

func newFakeFileStore() *fakeFileStore {
	return &fakeFileStore{files: make(map[string]pcap.PcapFile)}
}

func (f *fakeFileStore) key(node string, num int) string {
	return fmt.Sprintf("%s-%d", node, num)
}

func (f *fakeFileStore) Oldest(_ context.Context, _ []string, _ []string, _ int) ([]pcap.PcapFile, error) {
	return nil, nil
}

func (f *fakeFileStore) CountForNodes(_ context.Context, _ []string) (int, error) { return len(f.files), nil }

func (f *fakeFileStore) Delete(_ context.Context, node string, num int) error {
	delete(f.files, f.key(node, num))
	return nil
}

func (f *fakeFileStore) Get(_ context.Context, node string, num int) (pcap.PcapFile, error) {
	file, ok := f.files[f.key(node, num)]
	if !ok {
		return pcap.PcapFile{}, fmt.Errorf("file %s/%d not found", node, num)
	}
	return file, nil
}

func (f *fakeFileStore) Put(_ context.Context, file pcap.PcapFile) error {
	f.files[f.key(file.Node, file.Num)] = file
	return nil
}

func newHandlerFixture(t *testing.T) (*Handler, *FakeStore, *fakeFileStore) {
	t.Helper()
	dir := t.TempDir()

	store := NewFakeStore()
	files := newFakeFileStore()
	receiver := pcap.NewReceiveStore(dir, 0)

	pcapStore := pcap.NewStore(pcap.NewESPathResolver(files))
	scrubber := pcap.NewScrubber(pcapStore, store)

	fleet := cluster.NewFleet("node0", map[string]cluster.Node{
		"node0": {Name: "node0", ViewURL: "http://node0.local"},
	})
	resolver := cluster.NewResolver(fleet)
	proxy := cluster.NewProxy(fleet)

	h := NewHandler(store, pcapStore, scrubber, files, receiver, expr.NewCompiler(), resolver, proxy, "node0")
	return h, store, files
}

func TestHandlerGetReturnsSession(t *testing.T) {
	h, store, _ := newHandlerFixture(t)
	store.Seed(Session{ID: "s1", Node: "node0", SrcIP: "10.0.0.1"})

	r := chi.NewRouter()
	h.Mount(r)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, "10.0.0.1", got.SrcIP)
}

func TestHandlerListAppliesExpressionFilter(t *testing.T) {
	h, store, _ := newHandlerFixture(t)
	store.Seed(Session{ID: "s1", Node: "node0", LastPacket: 100})
	store.Seed(Session{ID: "s2", Node: "node0", LastPacket: 200})

	r := chi.NewRouter()
	h.Mount(r)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions?"+url.Values{"expression": {"node == node0"}}.Encode(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, 2, body.Total)
}

func TestHandlerDeleteAppliesScrubPolicy(t *testing.T) {
	h, store, _ := newHandlerFixture(t)
	store.Seed(Session{ID: "s1", Node: "node0"})

	r := chi.NewRouter()
	h.Mount(r)

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/s1?what=spi", nil)
	id := &httpfront.Identity{UserID: "alice", Admin: true}
	req = req.WithContext(httpfront.NewContext(req.Context(), id))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, err := store.Get(req.Context(), "s1")
	require.Error(t, err, "spi removal should delete the session document")
}

func TestPacketsToOffsetsWalksRecordStream(t *testing.T) {
	var body []byte
	body = append(body, pcap.GlobalHeader...)

	rec1 := make([]byte, pcap.RecordHeaderSize)
	binary.LittleEndian.PutUint32(rec1[8:12], 4) // inclLen
	body = append(body, rec1...)
	body = append(body, []byte("abcd")...)

	rec2 := make([]byte, pcap.RecordHeaderSize)
	binary.LittleEndian.PutUint32(rec2[8:12], 2)
	body = append(body, rec2...)
	body = append(body, []byte("ef")...)

	offsets := packetsToOffsets(body)
	require.Equal(t, []int64{int64(pcap.GlobalHeaderSize), int64(pcap.GlobalHeaderSize + pcap.RecordHeaderSize + 4)}, offsets)
}
