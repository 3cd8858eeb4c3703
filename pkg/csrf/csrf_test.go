package csrf

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuardSetCookieAndVerify(t *testing.T) {
	g := NewGuard("s3cr3t")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	require.NoError(t, g.SetCookie(rec, req, "alice"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	verifyReq := httptest.NewRequest(http.MethodPost, "/sessions/addTags", nil)
	verifyReq.AddCookie(cookies[0])
	verifyReq.Header.Set(HeaderName, cookies[0].Value)

	require.NoError(t, g.Verify(verifyReq, "alice"))
}

func TestGuardVerifyRejectsWrongUser(t *testing.T) {
	g := NewGuard("s3cr3t")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	require.NoError(t, g.SetCookie(rec, req, "alice"))
	cookies := rec.Result().Cookies()

	verifyReq := httptest.NewRequest(http.MethodPost, "/sessions/addTags", nil)
	verifyReq.AddCookie(cookies[0])
	verifyReq.Header.Set(HeaderName, cookies[0].Value)

	require.Error(t, g.Verify(verifyReq, "bob"))
}

func TestGuardVerifyRejectsMismatchedHeader(t *testing.T) {
	g := NewGuard("s3cr3t")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	require.NoError(t, g.SetCookie(rec, req, "alice"))
	cookies := rec.Result().Cookies()

	verifyReq := httptest.NewRequest(http.MethodPost, "/sessions/addTags", nil)
	verifyReq.AddCookie(cookies[0])
	verifyReq.Header.Set(HeaderName, "tampered-value")

	require.Error(t, g.Verify(verifyReq, "alice"))
}

func TestGuardVerifyRejectsMissingCookie(t *testing.T) {
	g := NewGuard("s3cr3t")

	verifyReq := httptest.NewRequest(http.MethodPost, "/sessions/addTags", nil)
	require.Error(t, g.Verify(verifyReq, "alice"))
}
