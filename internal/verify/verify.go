// Package verify checks patched records through the public read API.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-patchdb/internal/retry"
)

// Disabled is the API URL value that turns verification off.
const Disabled = "disable"

// ErrMismatch is returned when the API never served the expected text.
var ErrMismatch = errors.New("expected text not found")

// Config configures a Client.
type Config struct {
	BaseURL string
	Tries   int
	Delay   time.Duration
	Timeout time.Duration
	// RPS caps requests per second. Zero means unlimited.
	RPS float64
}

// Client reads records from the API and looks for expected text.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	tries   int
	delay   time.Duration
	log     *slog.Logger
}

// NormalizeBase turns a host or URL into the records endpoint: it adds a
// scheme when missing and the default API path when none is given.
func NormalizeBase(raw string) string {
	base := strings.TrimRight(raw, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if !strings.Contains(base, "/api/") {
		base += "/api/2.3/tenders"
	}
	return base
}

// New returns nil when verification is disabled.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" || cfg.BaseURL == Disabled {
		return nil
	}
	if cfg.Tries < 1 {
		cfg.Tries = 5
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Client{
		base:    NormalizeBase(cfg.BaseURL),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		tries:   cfg.Tries,
		delay:   cfg.Delay,
		log:     slog.With("component", "verify"),
	}
}

// Base returns the normalized endpoint.
func (c *Client) Base() string {
	return c.base
}

// Probe checks that the endpoint answers with a data payload.
func (c *Client) Probe(ctx context.Context) error {
	if err := c.getWithRetry(ctx, c.base, "data"); err != nil {
		return fmt.Errorf("probe %s: %w", c.base, err)
	}
	c.log.Info("api ready", "url", c.base)
	return nil
}

// Check reads record id and requires expected in the response body.
func (c *Client) Check(ctx context.Context, id, expected string) error {
	url := c.base + "/" + id
	if err := c.getWithRetry(ctx, url, expected); err != nil {
		return fmt.Errorf("check %s: %w", id, err)
	}
	c.log.Debug("check ok", "id", id, "found", expected)
	return nil
}

// getWithRetry pauses 1s, 2s, 4s... between attempts, capped at four
// times the base delay.
func (c *Client) getWithRetry(ctx context.Context, url, expected string) error {
	return retry.Do(ctx, retry.Policy{
		Tries:    c.tries,
		Delay:    c.delay,
		Backoff:  2,
		MaxDelay: 4 * c.delay,
		Logger:   c.log.With("url", url),
	}, func() error {
		return c.get(ctx, url, expected)
	})
}

func (c *Client) get(ctx context.Context, url, expected string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body, 200))
	}
	if !strings.Contains(string(body), expected) {
		return fmt.Errorf("%w: %q", ErrMismatch, expected)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
