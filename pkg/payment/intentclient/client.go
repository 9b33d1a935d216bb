// Package intentclient requests payment intent handles from the checkout
// backend's /create-payment-intent endpoint.
package intentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/StuartGrossman/physical-btc/pkg/finance"
	"github.com/StuartGrossman/physical-btc/pkg/payment"
)

// Path is the backend route that issues intents.
const Path = "/create-payment-intent"

// Config configures a Client.
type Config struct {
	BaseURL string
	// Timeout bounds a single request when the caller's context has no
	// earlier deadline. Zero means no client-side limit.
	Timeout time.Duration
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client implements payment.IntentRequester over HTTP.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

type createIntentRequest struct {
	Amount int64 `json:"amount"`
}

type createIntentResponse struct {
	ClientSecret string `json:"clientSecret"`
	ID           string `json:"id"`
}

// New creates a Client for the backend at cfg.BaseURL.
func New(cfg Config) *Client {
	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}
	return &Client{
		http:   rc,
		logger: slog.Default().With("component", "intentclient"),
	}
}

// RequestIntent asks the backend for a new intent handle scoped to amount.
// Handles are never cached: every call issues a request.
func (c *Client) RequestIntent(ctx context.Context, amount finance.Amount) (payment.IntentHandle, error) {
	var out createIntentResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(createIntentRequest{Amount: int64(amount)}).
		SetResult(&out).
		Post(Path)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return payment.IntentHandle{}, fmt.Errorf("%w: create payment intent: %v", payment.ErrRequestTimedOut, err)
		}
		return payment.IntentHandle{}, fmt.Errorf("%w: %v", payment.ErrIntentRequestFailed, err)
	}
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		c.logger.WarnContext(ctx, "intent request rejected", "status", resp.StatusCode(), "amount", int64(amount))
		return payment.IntentHandle{}, fmt.Errorf("%w: backend returned %d", payment.ErrIntentRequestFailed, resp.StatusCode())
	}
	if out.ClientSecret == "" {
		return payment.IntentHandle{}, fmt.Errorf("%w: response has no clientSecret", payment.ErrIntentRequestFailed)
	}

	handle, err := payment.NewIntentHandle(out.ClientSecret, amount)
	if err != nil {
		return payment.IntentHandle{}, err
	}
	c.logger.DebugContext(ctx, "intent issued", "intent", handle)
	return handle, nil
}
