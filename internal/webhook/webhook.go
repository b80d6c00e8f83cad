// Package webhook posts signed JSON notifications for security events.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Sshwarden-Signature"

type payload struct {
	ID    string         `json:"id"`
	TS    time.Time      `json:"ts"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// Notifier delivers events asynchronously. A Notifier with an empty URL is
// a no-op.
type Notifier struct {
	url    string
	secret []byte
	client *http.Client
	ch     chan payload
	done   chan struct{}
}

func NewNotifier(url, secret string) *Notifier {
	return &Notifier{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: 10 * time.Second},
		ch:     make(chan payload, 256),
		done:   make(chan struct{}),
	}
}

// Sign computes the signature header value for a body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Notify enqueues an event; drops when the queue is saturated.
func (n *Notifier) Notify(event string, data map[string]any) {
	if n == nil || n.url == "" {
		return
	}

	p := payload{
		ID:    uuid.NewString(),
		TS:    time.Now().UTC(),
		Event: event,
		Data:  data,
	}

	select {
	case n.ch <- p:
	default:
		log.Debugf("webhook queue full, dropping %s", event)
	}
}

func (n *Notifier) deliver(ctx context.Context, p payload) {
	body, err := json.Marshal(&p)
	if err != nil {
		log.Errorf("webhook marshal: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		log.Errorf("webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if len(n.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		log.Warnf("webhook delivery failed: %v", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warnf("webhook endpoint returned %s for %s", resp.Status, p.Event)
	}
}

// Run delivers queued events until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.done)

	if n.url == "" {
		<-ctx.Done()
		return
	}

	for {
		select {
		case p := <-n.ch:
			n.deliver(ctx, p)
		case <-ctx.Done():
			return
		}
	}
}
