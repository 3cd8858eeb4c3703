// Package cluster implements cross-node request routing: resolving which
// node owns a session's PCAP bytes, signing/verifying peer-to-peer auth
// tokens, and proxying requests to the owning node when this process isn't
// it.
package cluster

import "fmt"

// Node describes one fleet member as loaded from the "nodes" config map.
type Node struct {
	Name    string
	ViewURL string
	Scheme  string
	Secret  string // serverSecret used to sign/verify tokens addressed to this node
}

// Fleet is the process-wide view of every node in the cluster, including
// this process's own identity.
type Fleet struct {
	self  string
	nodes map[string]Node
}

// NewFleet builds a Fleet. selfName must be a key of nodes, or resolution of
// the local node will always fail.
func NewFleet(selfName string, nodes map[string]Node) *Fleet {
	return &Fleet{self: selfName, nodes: nodes}
}

// Self returns this process's node name.
func (f *Fleet) Self() string { return f.self }

// Lookup returns the Node entry for name.
func (f *Fleet) Lookup(name string) (Node, error) {
	n, ok := f.nodes[name]
	if !ok {
		return Node{}, fmt.Errorf("unknown node %q", name)
	}
	return n, nil
}

// All returns every fleet member, including self.
func (f *Fleet) All() []Node {
	out := make([]Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}
	return out
}

// Resolver maps a session's node field to local/remote routing decisions.
type Resolver struct {
	fleet *Fleet
}

func NewResolver(fleet *Fleet) *Resolver {
	return &Resolver{fleet: fleet}
}

// Resolve returns the owning node name for a session — trivially the
// session's own Node field.
func (r *Resolver) Resolve(sessionNode string) string {
	return sessionNode
}

// IsLocal reports whether node matches this process's configured node name.
func (r *Resolver) IsLocal(node string) bool {
	return node == r.fleet.Self()
}
