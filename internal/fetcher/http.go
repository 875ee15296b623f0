// Package fetcher is the single chokepoint for outbound network I/O. Every
// HTTP call in every stage routes through Client, so per-host politeness and
// backoff are enforced uniformly no matter which stage triggered the call.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opencouncil/spendsync/internal/resilience"
)

// HostPolicy sets the minimum spacing between requests to hosts whose name
// contains Match. Policies are evaluated in order, so more specific
// substrings must come before broader ones.
type HostPolicy struct {
	Match string
	Delay time.Duration
}

// Options configures the HTTP client.
type Options struct {
	UserAgent    string
	Timeout      time.Duration // per-attempt timeout
	MaxRetries   int
	Policies     []HostPolicy
	DefaultDelay time.Duration // spacing for hosts with no matching policy
}

// DefaultPolicies returns the built-in per-host spacing table.
func DefaultPolicies() []HostPolicy {
	return []HostPolicy{
		{Match: "api.company-information.service.gov.uk", Delay: 600 * time.Millisecond},
		{Match: "find-and-update.company-information", Delay: 600 * time.Millisecond},
		{Match: "anthropic.com", Delay: 200 * time.Millisecond},
		{Match: "gov.uk", Delay: time.Second},
		{Match: "nhs.uk", Delay: time.Second},
	}
}

// Client wraps net/http with per-host minimum request spacing and
// retry/backoff. It is safe for concurrent use.
type Client struct {
	http *http.Client
	opts Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Client with the given options, filling in defaults.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 12 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "spendsync/1.0"
	}
	if opts.DefaultDelay == 0 {
		opts.DefaultDelay = 2 * time.Second
	}
	if opts.Policies == nil {
		opts.Policies = DefaultPolicies()
	}
	return &Client{
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the limiter for a hostname, creating it from the first
// matching policy on first use. Limiters are never removed, so spacing state
// survives for the life of the process.
func (c *Client) limiterFor(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lim, ok := c.limiters[host]; ok {
		return lim
	}

	delay := c.opts.DefaultDelay
	for _, p := range c.opts.Policies {
		if strings.Contains(host, p.Match) {
			delay = p.Delay
			break
		}
	}
	lim := rate.NewLimiter(rate.Every(delay), 1)
	c.limiters[host] = lim
	return lim
}

// Do issues the request through the per-host limiter with retries. On 429 it
// honors Retry-After when present, otherwise backs off exponentially; 5xx
// and network failures back off the same way; other 4xx return immediately.
// After MaxRetries the last response or error is surfaced, never swallowed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
	lim := c.limiterFor(req.URL.Hostname())

	backoffCfg := resilience.RetryConfig{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
		JitterFraction: 0.25,
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		resp, err := c.http.Do(req.Clone(ctx))
		if err != nil {
			if !resilience.IsTransient(err) && ctx.Err() == nil {
				return nil, eris.Wrapf(err, "fetcher: request %s", req.URL)
			}
			lastErr = err
			c.sleep(ctx, resilience.Backoff(attempt, backoffCfg))
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := resilience.ParseRetryAfter(resp.Header.Get("Retry-After"))
			_ = resp.Body.Close()
			lastErr = eris.Errorf("fetcher: http 429 from %s", req.URL)
			if wait == 0 {
				wait = resilience.Backoff(attempt, backoffCfg)
			}
			zap.L().Warn("rate limited, backing off",
				zap.String("url", req.URL.String()),
				zap.Duration("wait", wait),
				zap.Int("attempt", attempt+1),
			)
			c.sleep(ctx, wait)
			continue
		}

		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("fetcher: http %d from %s", resp.StatusCode, req.URL)
			zap.L().Warn("server error, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			c.sleep(ctx, resilience.Backoff(attempt, backoffCfg))
			continue
		}

		// Non-retryable statuses (other 4xx) are returned to the caller.
		return resp, nil
	}

	return nil, eris.Wrap(lastErr, "fetcher: retries exhausted")
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Get issues a GET request through the chokepoint.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	return c.Do(req)
}

// Download fetches rawURL and returns the body. FTP URLs are dispatched to
// the FTP path; anything else must answer 200 over HTTP.
func (c *Client) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if u, err := url.Parse(rawURL); err == nil && u.Scheme == "ftp" {
		return downloadFTP(ctx, rawURL, c.opts.Timeout)
	}

	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	return resp.Body, nil
}

// StdClient returns an *http.Client whose transport routes through this
// Client, so API SDKs share the same per-host throttling and retry policy.
func (c *Client) StdClient() *http.Client {
	return &http.Client{Transport: roundTripper{c}}
}

type roundTripper struct{ c *Client }

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.c.Do(req)
}
