// Package httpfront implements the external-facing authentication chain and
// permission gate table that sits in front of every session/hunt/cron/pcap
// endpoint: peer-token trust, username header, digest auth, and anonymous
// fallback, followed by a per-endpoint-class permission check.
package httpfront

import "context"

// Method records how a caller was authenticated, carried on Identity for
// logging and for the S2S peer-token-only restriction.
type Method string

const (
	MethodPeerToken Method = "peer"
	MethodUsername  Method = "username"
	MethodDigest    Method = "digest"
	MethodAnonymous Method = "anonymous"
)

// Identity is the authenticated caller for the current request.
type Identity struct {
	UserID  string
	Admin   bool
	Method  Method
	Perms   Permissions
}

type ctxKey string

const identityKey ctxKey = "httpfront_identity"

func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity set by Chain. Returns nil if the
// request never reached the middleware (should not happen on a mounted
// route) or if authentication was never established.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}
