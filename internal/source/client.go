// Package source provides the reference HTTP JSON fetcher used by configured
// endpoint harvest jobs. It demonstrates the boundary contract the engine
// expects from vendor clients: a fetch that yields a raw response or a
// classified error (transient, rate-limited, or fatal).
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/openharvest/harvester/internal/harvest"
)

// Config holds HTTP client settings shared by all sources.
type Config struct {
	// Timeout bounds each request, independent of the retry policy's backoff
	// clock. A timeout classifies as transient.
	Timeout   time.Duration
	UserAgent string
}

// Client issues paced, classified HTTP GET requests.
type Client struct {
	http      *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewClient builds a Client with a bounded per-call timeout.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "harvester/1.0 (+https://github.com/openharvest/harvester)"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout},
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Get fetches url and returns the response body. Non-2xx statuses and
// transport failures come back as *harvest.ClassifiedError so the retry
// policy can act on them.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, harvest.Fatal(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport errors (connection reset, timeout) classify via the
		// shared rules; http.Client timeouts satisfy net.Error.
		return nil, harvest.Classify(err)
	}
	defer resp.Body.Close()

	if ce := harvest.FromStatus(resp.StatusCode, retryAfterHint(resp), fmt.Errorf("GET %s: status %s", url, resp.Status)); ce != nil {
		return nil, ce
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, harvest.Transient(fmt.Errorf("read body: %w", err))
	}
	c.logger.Debug("fetched",
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)
	return body, nil
}

// retryAfterHint parses the Retry-After header as delay seconds or an HTTP
// date. Zero means no usable hint.
func retryAfterHint(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
