// Package deviceclient implements C2, the HTTP Device Client from
// SPEC_FULL.md §4.2: pooled, timed, retried, circuit-broken HTTP calls
// against the Miniserver's jdev endpoints.
package deviceclient

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/intruder1912/mcp-loxone-sub001/internal/auth"
	"github.com/intruder1912/mcp-loxone-sub001/internal/loxerr"
)

// Config controls pool size, timeout and retry behavior (SPEC_FULL.md §6.3).
type Config struct {
	BaseURL        string
	PoolSize       int
	RequestTimeout time.Duration
	MaxRetries     int
	BreakerConfig  BreakerConfig
}

// Signer is the subset of *auth.Engine the client needs: it signs URLs and
// attaches Basic headers, and refreshes tokens before they expire.
type Signer interface {
	EnsureFresh(ctx context.Context) error
	SignURL(rawURL string) (string, error)
	Header() string
}

var _ Signer = (*auth.Engine)(nil)

// Client issues device commands and control queries over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	maxRetries int
	signer     Signer
	breaker    *Breaker
}

// New constructs a Client with a pooled Transport sized per cfg.PoolSize.
func New(cfg Config, signer Signer) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		baseURL:    cfg.BaseURL,
		maxRetries: cfg.MaxRetries,
		signer:     signer,
		breaker:    NewBreaker(cfg.BreakerConfig),
	}
}

// RawClient issues unauthenticated GET requests with the same pooling,
// timeout and retry policy as Client, but no signing — it is the
// HTTPDoer handed to auth.Engine for the getPublicKey/getkey2/getjwt/
// refreshjwt bootstrap calls, which by construction happen before any
// AuthState exists.
type RawClient struct {
	httpClient *http.Client
	baseURL    string
	maxRetries int
}

// NewRaw constructs a RawClient sharing Config's pool/timeout/retry shape.
func NewRaw(cfg Config) *RawClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize,
		IdleConnTimeout:     90 * time.Second,
	}
	return &RawClient{
		httpClient: &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		baseURL:    cfg.BaseURL,
		maxRetries: cfg.MaxRetries,
	}
}

// Get implements auth.HTTPDoer.
func (c *RawClient) Get(ctx context.Context, path string) ([]byte, error) {
	url := c.baseURL + path
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, loxerr.Wrap(loxerr.KindInvalidInput, "building request", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, loxerr.Wrap(loxerr.KindHTTPTimeout, "request canceled or timed out", err)
			}
			lastErr = loxerr.Wrap(loxerr.KindHTTPNetwork, "request failed", err)
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
		resp.Body.Close()
		if err != nil {
			return nil, loxerr.Wrap(loxerr.KindHTTPDecode, "reading response body", err)
		}
		if resp.StatusCode >= 500 {
			lastErr = loxerr.New(loxerr.KindHTTPStatus, "server error: "+excerptOf(body)).WithStatusCode(resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, loxerr.New(loxerr.KindHTTPStatus, "client error: "+excerptOf(body)).WithStatusCode(resp.StatusCode)
		}
		return body, nil
	}
	return nil, lastErr
}

var _ auth.HTTPDoer = (*RawClient)(nil)

// Get issues a single GET against the Miniserver, returning the raw response
// body. It attaches auth, retries per the bounded policy, and respects the
// circuit breaker.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, loxerr.New(loxerr.KindCircuitOpen, "circuit open for host").WithRetryAfter(c.breaker.RetryAfterSeconds())
	}

	if err := c.signer.EnsureFresh(ctx); err != nil {
		return nil, err
	}

	signedURL, err := c.signURL(path)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		body, retry, err := c.doOnce(ctx, signedURL)
		if err == nil {
			c.breaker.RecordSuccess()
			return body, nil
		}
		lastErr = err
		if !retry {
			c.breaker.RecordFailure(err)
			return nil, err
		}
		c.breaker.RecordFailure(err)
	}
	return nil, lastErr
}

// BreakerState reports the client's circuit breaker state, for
// engine.Health() reporting (SPEC_FULL.md §4.9).
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

func (c *Client) signURL(path string) (string, error) {
	u := c.baseURL + path
	return c.signer.SignURL(u)
}

// doOnce performs one HTTP round trip and classifies the result into the
// §4.2 failure taxonomy, reporting whether the caller may retry.
func (c *Client) doOnce(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, loxerr.Wrap(loxerr.KindInvalidInput, "building request", err)
	}
	if h := c.signer.Header(); h != "" {
		req.Header.Set("Authorization", h)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, loxerr.Wrap(loxerr.KindHTTPTimeout, "request canceled or timed out", err)
		}
		return nil, true, loxerr.Wrap(loxerr.KindHTTPNetwork, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, false, loxerr.Wrap(loxerr.KindHTTPDecode, "reading response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, loxerr.New(loxerr.KindNotAuthenticated, "Miniserver rejected credentials").WithStatusCode(resp.StatusCode)
	case resp.StatusCode >= 500:
		excerpt := excerptOf(body)
		return nil, true, loxerr.New(loxerr.KindHTTPStatus, "server error: "+excerpt).WithStatusCode(resp.StatusCode)
	case resp.StatusCode >= 400:
		excerpt := excerptOf(body)
		return nil, false, loxerr.New(loxerr.KindHTTPStatus, "client error: "+excerpt).WithStatusCode(resp.StatusCode)
	}
	return body, false, nil
}

func excerptOf(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		return string(body[:maxLen])
	}
	return string(body)
}

// sleepBackoff waits a jittered exponential delay before retry attempt n,
// capped at 2s, honoring context cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
	if base > 2*time.Second {
		base = 2 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return loxerr.Wrap(loxerr.KindHTTPTimeout, "context canceled during backoff", ctx.Err())
	}
}
