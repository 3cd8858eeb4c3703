// Package version holds build-time identifiers, overridden via -ldflags.
package version

var (
	Version = "dev"
	Commit  = "none"
)
