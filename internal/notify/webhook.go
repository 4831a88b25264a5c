package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookDispatcher posts pushes to an HTTP endpoint, for families that
// bridge alerts into their own systems.
type WebhookDispatcher struct {
	client *http.Client
	logger *zap.Logger
}

type WebhookConfig struct {
	Timeout time.Duration
}

func NewWebhookDispatcher(logger *zap.Logger, cfg WebhookConfig) *WebhookDispatcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookDispatcher{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Dispatch POSTs the push as JSON to the destination URL.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, push Push) error {
	if push.Channel != ChannelWebhook {
		return fmt.Errorf("webhook dispatcher only supports webhooks, got: %s", push.Channel)
	}
	if push.To == "" {
		return fmt.Errorf("webhook push missing url")
	}

	body, err := json.Marshal(map[string]interface{}{
		"title":    push.Title,
		"body":     push.Body,
		"metadata": push.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, push.To, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Carebell/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	d.logger.Info("webhook delivered",
		zap.String("url", push.To),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

func (d *WebhookDispatcher) Supports(channel string) bool {
	return channel == ChannelWebhook
}
