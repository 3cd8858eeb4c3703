package cluster

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"
)

// PeerAuthHeader carries the signed token on proxied requests.
const PeerAuthHeader = "x-moloch-auth"

// Proxy forwards requests this node cannot serve locally to the fleet member
// that owns the session, signing each forwarded request with a fresh peer
// auth token. One pooled transport is kept per scheme, mirroring the
// connection-pool-per-destination pattern used by reverse proxies that sit in
// front of many backends.
type Proxy struct {
	fleet *Fleet
	auth  *PeerAuth

	mu         sync.Mutex
	transports map[string]http.RoundTripper // scheme -> pooled transport
}

func NewProxy(fleet *Fleet) *Proxy {
	return &Proxy{
		fleet:      fleet,
		auth:       NewPeerAuth(),
		transports: make(map[string]http.RoundTripper),
	}
}

func (p *Proxy) transportFor(scheme string) http.RoundTripper {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.transports[scheme]; ok {
		return t
	}

	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	p.transports[scheme] = t
	return t
}

// Handler builds an http.Handler that proxies every request it receives to
// nodeName, signing it as userID. The returned handler streams the response
// straight through without buffering.
func (p *Proxy) Handler(nodeName, userID string) (http.Handler, error) {
	node, err := p.fleet.Lookup(nodeName)
	if err != nil {
		return nil, err
	}

	target, err := url.Parse(node.ViewURL)
	if err != nil {
		return nil, fmt.Errorf("parsing view URL for node %q: %w", nodeName, err)
	}

	rp := &httputil.ReverseProxy{
		Transport: p.transportFor(target.Scheme),
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host

			token, err := p.auth.Sign(userID, node.Secret, req.URL.Path)
			if err == nil {
				req.Header.Set(PeerAuthHeader, token)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, fmt.Sprintf("peer proxy to %s: %s", nodeName, err), http.StatusBadGateway)
		},
	}
	return rp, nil
}

// Forward proxies a single request/response round trip to the node owning
// node, returning the raw *http.Response for callers (e.g. the cron engine)
// that need to frame the body themselves rather than stream it to an
// http.ResponseWriter.
func (p *Proxy) Forward(ctx context.Context, nodeName, userID, method, path string, body []byte) (*http.Response, error) {
	node, err := p.fleet.Lookup(nodeName)
	if err != nil {
		return nil, err
	}

	target, err := url.Parse(node.ViewURL)
	if err != nil {
		return nil, fmt.Errorf("parsing view URL for node %q: %w", nodeName, err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parsing forward path %q: %w", path, err)
	}
	target.Path = ref.Path
	target.RawQuery = ref.RawQuery

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	token, err := p.auth.Sign(userID, node.Secret, ref.Path)
	if err != nil {
		return nil, fmt.Errorf("signing peer auth token: %w", err)
	}
	req.Header.Set(PeerAuthHeader, token)

	client := &http.Client{Transport: p.transportFor(target.Scheme)}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding request to node %q: %w", nodeName, err)
	}
	return resp, nil
}
