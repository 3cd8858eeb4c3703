package cluster

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProxyHandlerForwardsAndSignsRequest(t *testing.T) {
	var gotPath, gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get(PeerAuthHeader)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	fleet := NewFleet("node0", map[string]Node{
		"node1": {Name: "node1", ViewURL: backend.URL, Scheme: "http", Secret: "s3cr3t"},
	})
	proxy := NewProxy(fleet)

	handler, err := proxy.Handler("node1", "alice")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/abc/packets", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "/api/sessions/abc/packets", gotPath)
	require.NotEmpty(t, gotAuth)

	auth := NewPeerAuth()
	userID, err := auth.Verify(gotAuth, "s3cr3t", "/api/sessions/abc/packets")
	require.NoError(t, err)
	require.Equal(t, "alice", userID)
}

func TestProxyHandlerUnknownNode(t *testing.T) {
	fleet := NewFleet("node0", map[string]Node{})
	proxy := NewProxy(fleet)

	_, err := proxy.Handler("missing", "alice")
	require.Error(t, err)
}
