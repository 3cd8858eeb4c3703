package httpfront

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fleetcap/viewer/pkg/cluster"
	"github.com/fleetcap/viewer/pkg/csrf"
)

// mutatingMethods are the HTTP methods CSRFMiddleware guards.
var mutatingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// CSRFMiddleware mints a fresh cookie on every GET and verifies it on every
// mutating request, except those authenticated via a peer token: a
// cross-node forward was never seen by the browser that would carry the
// cookie. Must run after Chain so FromContext has an identity to check.
func CSRFMiddleware(guard *csrf.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil || id.Method == MethodPeerToken {
				next.ServeHTTP(w, r)
				return
			}

			if mutatingMethods[r.Method] {
				if err := guard.Verify(r, id.UserID); err != nil {
					respondForbidden(w)
					return
				}
			} else {
				_ = guard.SetCookie(w, r, id.UserID)
			}

			next.ServeHTTP(w, r)
		})
	}
}

// User is the subset of a user-settings document the auth chain needs.
type User struct {
	ID           string
	Enabled      bool
	Admin        bool
	PasswordHash string // HA1 = MD5(userId:realm:password), precomputed for digest auth
	Perms        Permissions
}

// UserResolver looks up (and optionally creates) users by ID.
type UserResolver interface {
	Get(ctx context.Context, userID string) (User, error)
	// Create is only called when Config.UserAutoCreateTmpl is set; it mints a
	// new user record from the configured template the first time a
	// trusted username header is seen.
	Create(ctx context.Context, userID string) (User, error)
}

// Config is the set of recognized fleet config keys the auth chain reads,
// named so wiring from the application config is a 1:1 copy.
type Config struct {
	// PeerAuth, when non-nil, trusts x-moloch-auth tokens signed for this
	// node. S2S endpoints require this to be the method that matched.
	PeerAuth    *cluster.PeerAuth
	PeerSecret  string // this node's own serverSecret, used to verify incoming peer tokens

	UserNameHeader        string
	RequiredAuthHeader    string
	RequiredAuthHeaderVal string
	UserAutoCreateTmpl    bool

	HTTPRealm string // non-empty enables digest auth as a fallback

	// Anonymous, when true, treats every request the other methods didn't
	// claim as the configured anonymous admin user (regression-test mode).
	Anonymous       bool
	AnonymousUserID string
}

// s2sPaths lists endpoint prefixes that must be reached via a verified peer
// token; any other authentication method is rejected with 403.
var s2sPaths = []string{"/api/sessions/receive"}

// Chain builds the top-level authentication middleware: peer token, then
// username header, then digest auth, then anonymous fallback. The first
// method that successfully authenticates wins; none succeeding is a 401.
func Chain(cfg Config, users UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := authenticate(r, cfg, users)
			if err != nil {
				respondUnauthorized(w, err.Error())
				return
			}
			if id == nil {
				respondUnauthorized(w, "no valid authentication provided")
				return
			}

			if isS2SPath(r.URL.Path) && id.Method != MethodPeerToken {
				respondForbidden(w)
				return
			}

			ctx := NewContext(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isS2SPath(path string) bool {
	for _, p := range s2sPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func authenticate(r *http.Request, cfg Config, users UserResolver) (*Identity, error) {
	if id := tryPeerToken(r, cfg); id != nil {
		return id, nil
	}

	if id, err := tryUsernameHeader(r, cfg, users); id != nil || err != nil {
		return id, err
	}

	if cfg.HTTPRealm != "" {
		if id, err := tryDigest(r, cfg, users); id != nil || err != nil {
			return id, err
		}
	}

	if cfg.Anonymous {
		u, err := users.Get(r.Context(), cfg.AnonymousUserID)
		if err != nil {
			return nil, nil
		}
		return identityFor(u, MethodAnonymous), nil
	}

	return nil, nil
}

func tryPeerToken(r *http.Request, cfg Config) *Identity {
	if cfg.PeerAuth == nil {
		return nil
	}
	token := r.Header.Get(cluster.PeerAuthHeader)
	if token == "" {
		return nil
	}
	userID, err := cfg.PeerAuth.Verify(token, cfg.PeerSecret, r.URL.Path)
	if err != nil {
		return nil
	}
	return &Identity{UserID: userID, Admin: true, Method: MethodPeerToken}
}

// tryUsernameHeader trusts cfg.UserNameHeader outright once an optional
// required-header gate passes, auto-creating the user from a template on
// first sight if configured. This mirrors a reverse proxy that has already
// done its own authentication and hands the viewer a verified username.
func tryUsernameHeader(r *http.Request, cfg Config, users UserResolver) (*Identity, error) {
	if cfg.UserNameHeader == "" {
		return nil, nil
	}
	userID := r.Header.Get(cfg.UserNameHeader)
	if userID == "" {
		return nil, nil
	}

	if cfg.RequiredAuthHeader != "" {
		if r.Header.Get(cfg.RequiredAuthHeader) != cfg.RequiredAuthHeaderVal {
			return nil, fmt.Errorf("missing or invalid %s", cfg.RequiredAuthHeader)
		}
	}

	u, err := users.Get(r.Context(), userID)
	if err != nil {
		if !cfg.UserAutoCreateTmpl {
			return nil, fmt.Errorf("unknown user %q", userID)
		}
		u, err = users.Create(r.Context(), userID)
		if err != nil {
			return nil, fmt.Errorf("auto-creating user %q: %w", userID, err)
		}
	}
	if !u.Enabled {
		return nil, fmt.Errorf("user %q is disabled", userID)
	}
	return identityFor(u, MethodUsername), nil
}

// tryDigest implements RFC 2617 digest access authentication against a
// user's stored HA1 (MD5(userId:realm:password)).
func tryDigest(r *http.Request, cfg Config, users UserResolver) (*Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Digest ") {
		return nil, nil
	}
	params := parseDigestParams(strings.TrimPrefix(authHeader, "Digest "))
	userID := params["username"]
	if userID == "" {
		return nil, fmt.Errorf("digest auth missing username")
	}

	u, err := users.Get(r.Context(), userID)
	if err != nil || !u.Enabled {
		return nil, fmt.Errorf("unknown or disabled user %q", userID)
	}

	ha2 := md5Hex(r.Method + ":" + params["uri"])
	want := md5Hex(u.PasswordHash + ":" + params["nonce"] + ":" + ha2)
	if want != params["response"] {
		return nil, fmt.Errorf("digest auth response mismatch for %q", userID)
	}
	return identityFor(u, MethodDigest), nil
}

func parseDigestParams(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func identityFor(u User, method Method) *Identity {
	return &Identity{UserID: u.ID, Admin: u.Admin, Method: method, Perms: u.Perms}
}

// ResponseTimeHeader sets X-Moloch-Response-Time on every response to the
// monotonic delta between request start and headers-sent.
func ResponseTimeHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &timedWriter{ResponseWriter: w, start: time.Now()}
		next.ServeHTTP(rw, r)
	})
}

// timedWriter sets X-Moloch-Response-Time just before the status line goes
// out, since headers set after WriteHeader has already flushed are too late.
type timedWriter struct {
	http.ResponseWriter
	start       time.Time
	wroteHeader bool
}

func (w *timedWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.Header().Set("X-Moloch-Response-Time", fmt.Sprintf("%.3f", time.Since(w.start).Seconds()*1000))
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *timedWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": message})
}

func respondForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "forbidden", "message": "not permitted"})
}
