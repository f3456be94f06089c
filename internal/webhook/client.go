package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-retryablehttp"
)

// ClientConfig bounds outbound webhook delivery.
type ClientConfig struct {
	Timeout    time.Duration // per attempt
	MaxRetries int
}

// Client POSTs signed webhooks to worker endpoints.
type Client struct {
	logger *slog.Logger
	http   *retryablehttp.Client
	clock  clock.Clock
}

func NewClient(logger *slog.Logger, cfg ClientConfig, c clock.Clock) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if c == nil {
		c = clock.New()
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = logger

	return &Client{logger: logger, http: rc, clock: c}
}

// Send delivers body exactly as signed. Network errors and 5xx are retried;
// any final non-2xx status is an error.
func (c *Client) Send(ctx context.Context, endpoint string, body []byte, secret string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}

	ts := Timestamp(c.clock.Now())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	if secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, ts, secret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	c.logger.Debug("webhook delivered", "endpoint", endpoint, "status", resp.StatusCode)
	return nil
}
