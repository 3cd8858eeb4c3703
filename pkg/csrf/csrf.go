// Package csrf implements the double-submit cookie used to protect
// mutating UI-facing endpoints: a sealed cookie is set on renders and must
// be echoed back in a request header on writes.
package csrf

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// CookieName is the cookie set on renders and echoed back on writes.
const CookieName = "VIEWER-COOKIE"

// HeaderName is the request header mutating endpoints must carry.
const HeaderName = "x-moloch-cookie"

// MaxSkew is the cookie's allowed age, deliberately much larger than the
// peer auth token's window since it spans an interactive UI session rather
// than a single proxied request.
const MaxSkew = 2400 * time.Second

const (
	pbkdf2Iterations = 10000
	pbkdf2KeyLen     = 32
)

type cookiePayload struct {
	Date   int64  `json:"date"`
	PID    int    `json:"pid"`
	UserID string `json:"userId"`
}

// Guard mints and validates CSRF cookie tokens for a single server secret.
type Guard struct {
	secret string
}

func NewGuard(secret string) *Guard {
	return &Guard{secret: secret}
}

// SetCookie seals a token for userID and attaches it to the response,
// meant to be called on GETs that render UI state.
func (g *Guard) SetCookie(w http.ResponseWriter, r *http.Request, userID string) error {
	token, err := g.mint(userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false, // the UI must read it to echo it back in HeaderName
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

// Verify checks that the request carries a cookie matching userID, that the
// header echoes the same token, and that the token has not expired.
func (g *Guard) Verify(r *http.Request, userID string) error {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return fmt.Errorf("missing %s cookie", CookieName)
	}
	header := r.Header.Get(HeaderName)
	if header == "" {
		return fmt.Errorf("missing %s header", HeaderName)
	}
	if header != cookie.Value {
		return fmt.Errorf("csrf cookie and header do not match")
	}

	payload, err := g.open(cookie.Value)
	if err != nil {
		return fmt.Errorf("opening csrf token: %w", err)
	}
	if payload.UserID != userID {
		return fmt.Errorf("csrf token user %q does not match session user %q", payload.UserID, userID)
	}

	age := time.Since(time.UnixMilli(payload.Date))
	if age < 0 {
		age = -age
	}
	if age > MaxSkew {
		return fmt.Errorf("csrf token age %s exceeds %s", age, MaxSkew)
	}
	return nil
}

func (g *Guard) mint(userID string) (string, error) {
	payload := cookiePayload{
		Date:   time.Now().UnixMilli(),
		PID:    0,
		UserID: userID,
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sealed, err := seal(g.secret, plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (g *Guard) open(token string) (cookiePayload, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return cookiePayload{}, err
	}
	plain, err := openSealed(g.secret, raw)
	if err != nil {
		return cookiePayload{}, err
	}
	var payload cookiePayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return cookiePayload{}, err
	}
	return payload, nil
}

func deriveKey(secret string) []byte {
	salt := []byte("fleetcap-viewer-csrf")
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

func openSealed(secret string, sealed []byte) ([]byte, error) {
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
