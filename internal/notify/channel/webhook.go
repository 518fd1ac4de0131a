// Package channel holds the per-destination implementations of the
// notify.Channel interface: chat webhooks, the Telegram bot API, email
// transports, and the external-script hook. One variant per destination
// type, registered by configuration presence (no case-ladders at call
// sites).
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ralph/internal/notify"
)

const discordTextLimit = 2000

type webhookStyle int

const (
	styleSlack   webhookStyle = iota // {"text": ...}
	styleDiscord                     // {"content": ...}, 2000-char cap
)

// Webhook posts a JSON payload to an incoming-webhook URL.
// Success is any 2xx response; 429 and 5xx are transient, other 4xx fatal.
type Webhook struct {
	name   string
	url    string
	style  webhookStyle
	client *http.Client
}

func newWebhook(name, url string, style webhookStyle, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{name: name, url: url, style: style, client: client}
}

func (w *Webhook) Name() string   { return w.name }
func (w *Webhook) Batching() bool { return false }

func (w *Webhook) Send(ctx context.Context, ev notify.Event) error {
	text := ev.Render()

	var payload map[string]string
	switch w.style {
	case styleDiscord:
		if len(text) > discordTextLimit {
			text = text[:discordTextLimit-3] + "..."
		}
		payload = map[string]string{"content": text}
	default:
		payload = map[string]string{"text": text}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return notify.Fatal(fmt.Errorf("%s: marshal payload: %w", w.name, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return notify.Fatal(fmt.Errorf("%s: %w", w.name, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", w.name, err)
	}
	defer resp.Body.Close()

	return classifyHTTP(w.name, resp.StatusCode)
}

// classifyHTTP maps a response status onto the retry taxonomy.
func classifyHTTP(name string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%s: HTTP %d", name, status)
	default:
		return notify.Fatal(fmt.Errorf("%s: HTTP %d", name, status))
	}
}
