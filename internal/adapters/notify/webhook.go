// Package notify delivers alert triggers to the notification service. Each
// recipient gets its own request so one bad address cannot block the rest.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"tracker/internal/domain"
	"tracker/internal/ports"
)

// Trigger is the body posted for one recipient.
type Trigger struct {
	Recipient string       `json:"recipient"`
	Alert     domain.Alert `json:"alert"`
}

type Webhook struct {
	url        string
	recipients []string
	http       *http.Client
}

var _ ports.Notifier = (*Webhook)(nil)

func NewWebhook(url string, recipients []string, c *http.Client) *Webhook {
	if c == nil {
		c = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, recipients: recipients, http: c}
}

// Send posts alert once per recipient and returns every failure combined.
func (w *Webhook) Send(ctx context.Context, alert domain.Alert) error {
	var err error
	for _, r := range w.recipients {
		err = multierr.Append(err, w.post(ctx, Trigger{Recipient: r, Alert: alert}))
	}
	return err
}

func (w *Webhook) post(ctx context.Context, t Trigger) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", t.Recipient, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify %s: status %d", t.Recipient, resp.StatusCode)
	}
	return nil
}
