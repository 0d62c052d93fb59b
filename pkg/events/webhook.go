package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// webhookTimeout bounds each notification POST.
const webhookTimeout = 5 * time.Second

// Notifier delivers event records to a run's notify URL. Failures are
// swallowed: webhooks are an observability convenience, never a
// correctness dependency.
type Notifier struct {
	client *http.Client
}

// NewNotifier creates a webhook notifier.
func NewNotifier() *Notifier {
	return &Notifier{client: &http.Client{Timeout: webhookTimeout}}
}

// Notify POSTs the event to notifyURL. An authentication token may be
// embedded as a `#auth=<bearer>` fragment; it is stripped from the
// dispatched URL and sent as an Authorization header instead.
func (n *Notifier) Notify(ctx context.Context, notifyURL string, ev Event) {
	if notifyURL == "" {
		return
	}

	target, token := splitAuthFragment(notifyURL)

	body, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal webhook payload", "event", ev.Event, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		slog.Warn("Failed to build webhook request", "url", target, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Debug("Webhook delivery failed", "event", ev.Event, "error", err)
		return
	}
	_ = resp.Body.Close()
}

// splitAuthFragment strips a #auth=<token> fragment from the URL and
// returns the clean URL plus the decoded token.
func splitAuthFragment(raw string) (string, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}
	frag := u.Fragment
	u.Fragment = ""
	u.RawFragment = ""

	const prefix = "auth="
	if len(frag) > len(prefix) && frag[:len(prefix)] == prefix {
		return u.String(), frag[len(prefix):]
	}
	return u.String(), ""
}
