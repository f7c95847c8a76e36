package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/sheetledger/safeguard"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body,
// prefixed with "sha256=".
const SignatureHeader = "X-Signature-256"

// Webhook POSTs messages as JSON to a fixed URL.
type Webhook struct {
	url          string
	secret       string
	client       *http.Client
	allowPrivate bool
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithPrivateTargets allows loopback and private addresses. For local
// relays and tests.
func WithPrivateTargets() WebhookOption {
	return func(w *Webhook) { w.allowPrivate = true }
}

// NewWebhook returns a webhook notifier. When secret is non-empty every
// request is signed and the secret must be at least safeguard.MinSecretLen
// bytes.
func NewWebhook(url, secret string, opts ...WebhookOption) (*Webhook, error) {
	w := &Webhook{url: url, secret: secret, client: &http.Client{Timeout: 10 * time.Second}}
	for _, o := range opts {
		o(w)
	}
	if secret != "" {
		if err := safeguard.ValidateSecret(secret); err != nil {
			return nil, fmt.Errorf("notify: webhook: %w", err)
		}
	}
	if !w.allowPrivate {
		if err := safeguard.ValidateURL(url); err != nil {
			return nil, fmt.Errorf("notify: webhook: %w", err)
		}
	}
	return w, nil
}

// Notify implements Notifier.
func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return &SendError{Target: w.url, Cause: fmt.Errorf("marshal: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &SendError{Target: w.url, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &SendError{Target: w.url, Cause: err}
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, safeguard.MaxBody))
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &SendError{Target: w.url, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header value against body. The "sha256="
// prefix is optional.
func Verify(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}
