package httpfront

import "net/http"

// Permissions is the set of per-user capability flags the gate table checks
// against an endpoint class. Fields mirror the user-settings document; a
// zero-value Permissions denies the positively gated classes (user admin,
// delete, hunt, esadmin) and allows the inverse-gated ones (stats, files,
// pcap download), which are only denied by setting their Hide/Disable flag.
type Permissions struct {
	CreateEnabled       bool
	HideStats           bool
	HideFiles           bool
	DisablePcapDownload bool
	RemoveEnabled       bool
	PacketSearch        bool
	// ESAdminUsers lists user IDs allowed at /esadmin* when MultiES is true;
	// when MultiES is false, CreateEnabled governs /esadmin* instead.
	ESAdminUsers []string
	MultiES      bool
}

// EndpointClass names one row of the permission gate table.
type EndpointClass int

const (
	ClassUserAdmin EndpointClass = iota
	ClassStats
	ClassFiles
	ClassPcapDownload
	ClassDelete
	ClassHunt
	ClassESAdmin
)

// Allowed reports whether id may call an endpoint of class c.
func Allowed(id *Identity, class EndpointClass) bool {
	if id == nil {
		return false
	}
	if id.Admin {
		return true
	}
	p := id.Perms

	switch class {
	case ClassUserAdmin:
		return p.CreateEnabled
	case ClassStats:
		return !p.HideStats
	case ClassFiles:
		return !p.HideFiles
	case ClassPcapDownload:
		return !p.DisablePcapDownload
	case ClassDelete:
		return p.RemoveEnabled
	case ClassHunt:
		return p.PacketSearch
	case ClassESAdmin:
		if p.MultiES {
			return containsUser(p.ESAdminUsers, id.UserID)
		}
		return p.CreateEnabled
	default:
		return false
	}
}

func containsUser(users []string, userID string) bool {
	for _, u := range users {
		if u == userID {
			return true
		}
	}
	return false
}

// RequireClass returns middleware that 403s any request whose identity
// doesn't pass the endpoint class's permission gate. It must run after
// Chain, which populates the identity in the request context.
func RequireClass(class EndpointClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if !Allowed(id, class) {
				respondForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
