// Package webhook delivers completion callbacks to caller-supplied URLs.
//
// Delivery is at-least-once: a payload is retried with bounded exponential
// backoff, and consumers dedupe by the id carried in the X-Vend-Delivery
// header.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/vend/internal/metrics"
	"github.com/roach88/vend/internal/protocol"
)

// HeaderDelivery carries the replay or operation id of a delivery.
const HeaderDelivery = "X-Vend-Delivery"

const (
	DefaultMaxTries        = 5
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
	DefaultTimeout         = 10 * time.Second
)

// Payload is the JSON body POSTed to a callback URL. Exactly one of
// ReplayID and OperationID is set.
type Payload struct {
	ReplayID    string          `json:"replay_id,omitempty"`
	OperationID string          `json:"operation_id,omitempty"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *protocol.Error `json:"error,omitempty"`
}

// ID returns the id consumers dedupe on.
func (p Payload) ID() string {
	if p.ReplayID != "" {
		return p.ReplayID
	}
	return p.OperationID
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	HTTPClient      *http.Client
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Client POSTs payloads with retry.
type Client struct {
	http            *http.Client
	maxTries        uint
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

// New creates a Client.
func New(opts Options) *Client {
	c := &Client{
		http:            opts.HTTPClient,
		maxTries:        opts.MaxTries,
		initialInterval: opts.InitialInterval,
		maxInterval:     opts.MaxInterval,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: DefaultTimeout}
	}
	if c.maxTries == 0 {
		c.maxTries = DefaultMaxTries
	}
	if c.initialInterval <= 0 {
		c.initialInterval = DefaultInitialInterval
	}
	if c.maxInterval <= 0 {
		c.maxInterval = DefaultMaxInterval
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid callback url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid callback url %q: must be absolute http or https", raw)
	}
	return nil
}

// Deliver POSTs p to target. Network errors, 408, 429 and 5xx responses
// are retried; any other non-2xx response fails immediately.
func (c *Client) Deliver(ctx context.Context, target string, p Payload) error {
	if err := ValidateURL(target); err != nil {
		c.metrics.WebhookDelivery("failed")
		return err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderDelivery, p.ID())

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch code := resp.StatusCode; {
		case code >= 200 && code < 300:
			return struct{}{}, nil
		case code == http.StatusTooManyRequests:
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				return struct{}{}, backoff.RetryAfter(secs)
			}
			return struct{}{}, fmt.Errorf("callback returned %d", code)
		case code == http.StatusRequestTimeout || code >= 500:
			return struct{}{}, fmt.Errorf("callback returned %d", code)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("callback returned %d", code))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		c.metrics.WebhookDelivery("failed")
		c.logger.Warn("callback delivery failed",
			"id", p.ID(),
			"url", target,
			"attempts", attempt,
			"error", err,
		)
		return fmt.Errorf("deliver callback %s: %w", p.ID(), err)
	}

	c.metrics.WebhookDelivery("delivered")
	c.logger.Debug("callback delivered", "id", p.ID(), "url", target, "attempts", attempt)
	return nil
}
