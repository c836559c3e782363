package notification

import (
	"context"
	"net/http"
	"time"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint. The payload is
// the Alert fields plus an RFC 3339 "ts".
type WebhookNotifier struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: sendTimeout}, now: time.Now}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	_, err := postJSON(ctx, w.client, "webhook", w.url, struct {
		Alert
		TS string `json:"ts"`
	}{alert, w.now().UTC().Format(time.RFC3339Nano)})
	return err
}
