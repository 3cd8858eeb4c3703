package httpfront

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetcap/viewer/pkg/cluster"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		w.Header().Set("x-resolved-user", id.UserID)
		w.WriteHeader(http.StatusOK)
	})
}

func TestChainPeerTokenTakesPrecedence(t *testing.T) {
	auth := cluster.NewPeerAuth()
	token, err := auth.Sign("peer-caller", "shared-secret", "/api/sessions/receive")
	require.NoError(t, err)

	cfg := Config{PeerAuth: auth, PeerSecret: "shared-secret", UserNameHeader: "x-remote-user"}
	users := MapUserResolver{}

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/receive", nil)
	req.Header.Set(cluster.PeerAuthHeader, token)
	req.Header.Set("x-remote-user", "someone-else") // should be ignored; peer token wins

	rec := httptest.NewRecorder()
	Chain(cfg, users)(okHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "peer-caller", rec.Header().Get("x-resolved-user"))
}

func TestChainS2SPathRejectsNonPeerAuth(t *testing.T) {
	cfg := Config{UserNameHeader: "x-remote-user"}
	users := MapUserResolver{"alice": {ID: "alice", Enabled: true}}

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/receive", nil)
	req.Header.Set("x-remote-user", "alice")

	rec := httptest.NewRecorder()
	Chain(cfg, users)(okHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChainUsernameHeaderWithRequiredHeaderGate(t *testing.T) {
	cfg := Config{
		UserNameHeader:        "x-remote-user",
		RequiredAuthHeader:    "x-shared-key",
		RequiredAuthHeaderVal: "s3cr3t",
	}
	users := MapUserResolver{"alice": {ID: "alice", Enabled: true}}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("x-remote-user", "alice")
	rec := httptest.NewRecorder()
	Chain(cfg, users)(okHandler()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code, "missing required header should reject")

	req2 := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req2.Header.Set("x-remote-user", "alice")
	req2.Header.Set("x-shared-key", "s3cr3t")
	rec2 := httptest.NewRecorder()
	Chain(cfg, users)(okHandler()).ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestChainUsernameHeaderAutoCreate(t *testing.T) {
	cfg := Config{UserNameHeader: "x-remote-user", UserAutoCreateTmpl: true}
	resolver := AutoCreateResolver{Users: MapUserResolver{}}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("x-remote-user", "brand-new")
	rec := httptest.NewRecorder()
	Chain(cfg, resolver)(okHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, resolver.Users, "brand-new")
}

func TestChainAnonymousFallback(t *testing.T) {
	cfg := Config{Anonymous: true, AnonymousUserID: "anon"}
	users := MapUserResolver{"anon": {ID: "anon", Enabled: true}}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	Chain(cfg, users)(okHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "anon", rec.Header().Get("x-resolved-user"))
}

func TestChainNoMethodMatchesRejects(t *testing.T) {
	cfg := Config{UserNameHeader: "x-remote-user"}
	users := MapUserResolver{}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	Chain(cfg, users)(okHandler()).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResponseTimeHeaderSet(t *testing.T) {
	plain := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	ResponseTimeHeader(plain).ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Moloch-Response-Time"))
}
