package cluster

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerAuthSignVerifyRoundTrip(t *testing.T) {
	pa := NewPeerAuth()

	token, err := pa.Sign("alice", "s3cr3t", "/api/sessions/receive")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := pa.Verify(token, "s3cr3t", "/api/sessions/receive")
	require.NoError(t, err)
	require.Equal(t, "alice", userID)
}

func TestPeerAuthRejectsPathMismatch(t *testing.T) {
	pa := NewPeerAuth()

	token, err := pa.Sign("alice", "s3cr3t", "/api/sessions/receive")
	require.NoError(t, err)

	_, err = pa.Verify(token, "s3cr3t", "/api/sessions/list")
	require.Error(t, err)
}

func TestPeerAuthRejectsWrongSecret(t *testing.T) {
	pa := NewPeerAuth()

	token, err := pa.Sign("alice", "s3cr3t", "/api/sessions/receive")
	require.NoError(t, err)

	_, err = pa.Verify(token, "wrong-secret", "/api/sessions/receive")
	require.Error(t, err)
}

func TestPeerAuthRejectsStaleTimestamp(t *testing.T) {
	pa := NewPeerAuth()

	payload := tokenPayload{
		Date:   0, // epoch, far beyond MaxTokenSkew from now
		PID:    1,
		UserID: "alice",
		Path:   "/api/sessions/receive",
	}
	plain, err := json.Marshal(payload)
	require.NoError(t, err)

	sealed, err := seal("s3cr3t", plain)
	require.NoError(t, err)
	token := base64.StdEncoding.EncodeToString(sealed)

	_, err = pa.Verify(token, "s3cr3t", "/api/sessions/receive")
	require.Error(t, err)
}
