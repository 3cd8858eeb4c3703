package httpfront

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowedAdminBypassesAllGates(t *testing.T) {
	id := &Identity{UserID: "root", Admin: true}
	require.True(t, Allowed(id, ClassDelete))
	require.True(t, Allowed(id, ClassESAdmin))
}

func TestAllowedInverseGates(t *testing.T) {
	id := &Identity{UserID: "bob", Perms: Permissions{HideStats: true, HideFiles: false, DisablePcapDownload: true}}
	require.False(t, Allowed(id, ClassStats), "hideStats should block /stats")
	require.True(t, Allowed(id, ClassFiles), "hideFiles false should allow /files")
	require.False(t, Allowed(id, ClassPcapDownload))
}

func TestAllowedESAdminMultiESRequiresExplicitList(t *testing.T) {
	id := &Identity{UserID: "carol", Perms: Permissions{MultiES: true, CreateEnabled: true, ESAdminUsers: []string{"dave"}}}
	require.False(t, Allowed(id, ClassESAdmin), "createEnabled alone shouldn't satisfy multiES esadmin gate")

	id.Perms.ESAdminUsers = append(id.Perms.ESAdminUsers, "carol")
	require.True(t, Allowed(id, ClassESAdmin))
}

func TestAllowedESAdminSingleESFallsBackToCreateEnabled(t *testing.T) {
	id := &Identity{UserID: "erin", Perms: Permissions{MultiES: false, CreateEnabled: true}}
	require.True(t, Allowed(id, ClassESAdmin))
}

func TestAllowedNilIdentityDeniesEverything(t *testing.T) {
	require.False(t, Allowed(nil, ClassStats))
}
