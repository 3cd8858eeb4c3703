package cluster

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MaxTokenSkew is the maximum accepted difference between a peer
	// token's timestamp and the verifier's clock.
	MaxTokenSkew = 120 * time.Second

	pbkdf2Iterations = 10000
	pbkdf2KeyLen     = 32 // AES-256
)

// tokenPayload is the structure sealed inside a peer auth token.
type tokenPayload struct {
	Date   int64  `json:"date"` // epoch millis
	PID    int    `json:"pid"`
	UserID string `json:"userId"`
	Path   string `json:"path"`
}

// PeerAuth signs and verifies short-lived node-to-node request tokens.
type PeerAuth struct{}

func NewPeerAuth() *PeerAuth { return &PeerAuth{} }

// Sign produces the value of the x-moloch-auth header: a base64-encoded,
// AES-GCM-sealed payload binding the request path, issuing user, and a
// timestamp the receiver checks against its own clock.
func (PeerAuth) Sign(userID, secret, path string) (string, error) {
	payload := tokenPayload{
		Date:   time.Now().UnixMilli(),
		PID:    os.Getpid(),
		UserID: userID,
		Path:   path,
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling peer auth payload: %w", err)
	}

	sealed, err := seal(secret, plain)
	if err != nil {
		return "", fmt.Errorf("sealing peer auth token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Verify decodes token, rejecting it unless its path matches requestPath and
// its timestamp is within MaxTokenSkew of now.
func (PeerAuth) Verify(token, secret, requestPath string) (userID string, err error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decoding peer auth token: %w", err)
	}

	plain, err := open(secret, raw)
	if err != nil {
		return "", fmt.Errorf("opening peer auth token: %w", err)
	}

	var payload tokenPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return "", fmt.Errorf("decoding peer auth payload: %w", err)
	}

	if payload.Path != requestPath {
		return "", fmt.Errorf("peer auth token path %q does not match request path %q", payload.Path, requestPath)
	}

	skew := time.Since(time.UnixMilli(payload.Date))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTokenSkew {
		return "", fmt.Errorf("peer auth token skew %s exceeds %s", skew, MaxTokenSkew)
	}

	return payload.UserID, nil
}

// deriveKey stretches an operator-configured secret into an AES-256 key via
// PBKDF2, the way the rest of the pack derives symmetric keys from a
// passphrase rather than requiring a pre-formatted key.
func deriveKey(secret string) []byte {
	salt := []byte("fleetcap-viewer-peer-auth")
	return pbkdf2.Key([]byte(secret), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
}

func seal(secret string, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(secret string, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed token too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
