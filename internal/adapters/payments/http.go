package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/manthysbr/aule-escrow/internal/core/domain"
	"github.com/manthysbr/aule-escrow/internal/core/ports"
	"github.com/shopspring/decimal"
)

// HeaderIdempotencyKey makes retried transfers and charges land once.
const HeaderIdempotencyKey = "Idempotency-Key"

// codeDestinationMissing is the processor's error code for a payee that
// never connected a payout account.
const codeDestinationMissing = "payout_destination_missing"

// HTTPConfig points the backend at a payment processor API.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Currency   string
	Timeout    time.Duration
	MaxRetries int
}

// HTTPBackend implements ports.PaymentBackend against a JSON processor API.
type HTTPBackend struct {
	logger   *slog.Logger
	client   *retryablehttp.Client
	baseURL  string
	currency string

	mu     sync.RWMutex
	apiKey string
}

var _ ports.PaymentBackend = (*HTTPBackend)(nil)

func NewHTTPBackend(logger *slog.Logger, cfg HTTPConfig) *HTTPBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 3 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = logger

	return &HTTPBackend{
		logger:   logger,
		client:   rc,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		currency: cfg.Currency,
	}
}

// SetAPIKey swaps the processor credential used by subsequent calls.
func (b *HTTPBackend) SetAPIKey(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apiKey = key
}

func (b *HTTPBackend) key() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.apiKey
}

type moneyRequest struct {
	Destination string `json:"destination,omitempty"`
	Source      string `json:"source,omitempty"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
}

type processorResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (b *HTTPBackend) Transfer(ctx context.Context, destination string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	if destination == "" {
		return "", domain.ErrPayoutDestinationMissing
	}
	return b.post(ctx, "/transfers", moneyRequest{
		Destination: destination,
		Amount:      amount.StringFixed(2),
		Currency:    b.currency,
	}, idempotencyKey)
}

func (b *HTTPBackend) CreateCharge(ctx context.Context, source string, amount decimal.Decimal, idempotencyKey string) (string, error) {
	return b.post(ctx, "/charges", moneyRequest{
		Source:   source,
		Amount:   amount.StringFixed(2),
		Currency: b.currency,
	}, idempotencyKey)
}

func (b *HTTPBackend) post(ctx context.Context, path string, payload moneyRequest, idempotencyKey string) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payment request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, body)
	if err != nil {
		return "", fmt.Errorf("build payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := b.key(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call payment processor: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read payment response: %w", err)
	}

	var out processorResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil && resp.StatusCode < 300 {
			return "", fmt.Errorf("decode payment response: %w", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if out.Error != nil && out.Error.Code == codeDestinationMissing {
			return "", domain.ErrPayoutDestinationMissing
		}
		msg := strings.TrimSpace(string(raw))
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return "", fmt.Errorf("payment processor returned %d: %s", resp.StatusCode, msg)
	}
	if out.ID == "" {
		return "", errors.New("payment processor returned no reference")
	}

	b.logger.Debug("payment processed", "path", path, "reference", out.ID, "idempotency_key", idempotencyKey)
	return out.ID, nil
}
