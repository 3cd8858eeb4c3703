package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier POSTs a CompletionMessage as JSON to an arbitrary URL.
// When a secret is configured, the body is signed with HMAC-SHA256 keyed by
// that secret and sent as "X-Signature: sha256=<hex>"; without a secret the
// request is unsigned.
type WebhookNotifier struct {
	name   string
	url    string
	secret string
	client *http.Client
}

// NewWebhookNotifier creates a named webhook notifier.
func NewWebhookNotifier(name, url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		name:   name,
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Name() string { return n.name }

func (n *WebhookNotifier) Send(ctx context.Context, msg CompletionMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		mac := hmac.New(sha256.New, []byte(n.secret))
		mac.Write(body)
		req.Header.Set("X-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier %q: unexpected status %d", n.name, resp.StatusCode)
	}
	return nil
}
