package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier posts events as JSON to a chat/incident webhook.
type WebhookNotifier struct {
	name       string
	url        string
	httpClient *http.Client
}

// NewWebhookNotifier constructs a webhook channel with a bounded timeout.
func NewWebhookNotifier(name, url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		name:       name,
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name identifies the channel in delivery-failure logs.
func (w *WebhookNotifier) Name() string { return w.name }

// Notify posts the event payload.
func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if w.url == "" {
		return fmt.Errorf("webhook %s has no URL configured", w.name)
	}
	payload := map[string]any{
		"severity":  ev.Severity,
		"title":     ev.Title,
		"message":   ev.Message,
		"category":  ev.Category,
		"context":   ev.Context,
		"timestamp": ev.Timestamp.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %s", w.name, resp.Status)
	}
	return nil
}
