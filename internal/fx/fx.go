// Package fx provides KRW-per-USDT exchange rate sources.
package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/kimpbot/internal/clock"
	"github.com/alanyoungcy/kimpbot/internal/domain"
)

// Static is a fixed rate, used in paper mode and tests.
type Static float64

var _ domain.FXRateSource = Static(0)

func (s Static) Rate(context.Context) (float64, error) {
	if err := check(float64(s)); err != nil {
		return 0, err
	}
	return float64(s), nil
}

// HTTPSource reads the rate from a JSON endpoint. Field is a dot-separated
// path to the value, e.g. "data.krw" or "rates.0.price"; numeric strings
// are accepted.
type HTTPSource struct {
	url        string
	field      string
	httpClient *http.Client
}

var _ domain.FXRateSource = (*HTTPSource)(nil)

// NewHTTPSource creates an HTTP rate source.
func NewHTTPSource(url, field string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{url: url, field: field, httpClient: &http.Client{Timeout: timeout}}
}

func (h *HTTPSource) Rate(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return 0, fmt.Errorf("fx: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fx: http request: %w: %w", domain.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("fx: read response: %w: %w", domain.ErrNetwork, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return 0, fmt.Errorf("fx: status %d: %w", resp.StatusCode, domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("fx: status %d: %w", resp.StatusCode, domain.ErrNetwork)
	case resp.StatusCode >= 300:
		return 0, fmt.Errorf("fx: status %d: %s: %w", resp.StatusCode, truncate(body), domain.ErrValidation)
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0, fmt.Errorf("fx: decode response: %w: %w", domain.ErrValidation, err)
	}
	rate, err := lookup(doc, h.field)
	if err != nil {
		return 0, fmt.Errorf("fx: %w", err)
	}
	if err := check(rate); err != nil {
		return 0, err
	}
	return rate, nil
}

func lookup(doc any, path string) (float64, error) {
	cur := doc
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			switch node := cur.(type) {
			case map[string]any:
				v, ok := node[part]
				if !ok {
					return 0, fmt.Errorf("field %q missing: %w", path, domain.ErrValidation)
				}
				cur = v
			case []any:
				i, err := strconv.Atoi(part)
				if err != nil || i < 0 || i >= len(node) {
					return 0, fmt.Errorf("index %q of %q out of range: %w", part, path, domain.ErrValidation)
				}
				cur = node[i]
			default:
				return 0, fmt.Errorf("field %q not an object: %w", path, domain.ErrValidation)
			}
		}
	}
	switch v := cur.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("field %q=%q not numeric: %w", path, v, domain.ErrValidation)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("field %q not numeric: %w", path, domain.ErrValidation)
	}
}

func check(rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return fmt.Errorf("fx: rate %v: %w", rate, domain.ErrValidation)
	}
	return nil
}

func truncate(b []byte) string {
	const snippetLen = 200
	if len(b) > snippetLen {
		return string(b[:snippetLen]) + "..."
	}
	return string(b)
}

// Cached memoizes a source for TTL. When a refresh fails, the last good
// rate is served until it is MaxStale old.
type Cached struct {
	src      domain.FXRateSource
	ttl      time.Duration
	maxStale time.Duration
	clock    clock.Clock

	mu   sync.Mutex
	rate float64
	at   time.Time
}

var _ domain.FXRateSource = (*Cached)(nil)

// NewCached wraps src. A zero maxStale never serves a stale rate.
func NewCached(src domain.FXRateSource, ttl, maxStale time.Duration, clk clock.Clock) *Cached {
	return &Cached{src: src, ttl: ttl, maxStale: maxStale, clock: clk}
}

func (c *Cached) Rate(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if c.rate > 0 && now.Sub(c.at) < c.ttl {
		return c.rate, nil
	}
	rate, err := c.src.Rate(ctx)
	if err != nil {
		if c.rate > 0 && now.Sub(c.at) < c.ttl+c.maxStale {
			return c.rate, nil
		}
		return 0, err
	}
	c.rate, c.at = rate, now
	return rate, nil
}
