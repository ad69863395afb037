// Package climate implements the Data Cache & Fetcher stage: retrieval of
// climate observations from the upstream source, with in-memory and on-disk
// caching keyed by (location, time-range, parameter-set).
//
// All outbound HTTP calls are routed through the resilient Client, which
// enforces circuit breaking, bounded retries with exponential backoff, an
// outbound rate limit, and error mapping to typed AppErrors.
package climate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"agrosentinel/internal/types"
)

// RetryPolicy configures the retry behavior for the Client.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns sensible defaults for upstream climate calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    10 * time.Second,
	}
}

// Client wraps an *http.Client with a circuit breaker, a politeness rate
// limiter, and retry logic. The upstream climate source is a shared public
// service; the limiter keeps burst fetch cycles from hammering it.
type Client struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*http.Response]
	limiter     *rate.Limiter
	retryPolicy RetryPolicy
	userAgent   string
	sleepFn     func(time.Duration) // overridable in tests
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithSleepFunc overrides the sleep function used between retries.
// Intended for testing to avoid real delays.
func WithSleepFunc(fn func(time.Duration)) ClientOption {
	return func(c *Client) {
		c.sleepFn = fn
	}
}

// WithBreaker installs a caller-provided circuit breaker, useful for tests
// or for sharing a breaker across clients.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) ClientOption {
	return func(c *Client) {
		c.breaker = cb
	}
}

// NewClient creates a resilient upstream client. ratePerSec <= 0 disables
// the outbound limiter.
func NewClient(httpClient *http.Client, retryPolicy RetryPolicy, ratePerSec float64, opts ...ClientOption) *Client {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "climate-upstream",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), 1)
	}

	c := &Client{
		client:      httpClient,
		breaker:     cb,
		limiter:     limiter,
		retryPolicy: retryPolicy,
		userAgent:   "AgroSentinel/1.0",
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the HTTP request with:
//  1. Outbound rate limiting (blocks until a token is available)
//  2. User-Agent header injection
//  3. Circuit breaker wrapping
//  4. Retry on 429/5xx (respecting Retry-After headers)
//  5. Error mapping to types.AppError
//
// On success (2xx/3xx/4xx other than 429), Do returns the response as-is;
// the caller closes the body. On exhausted retries or an open breaker, Do
// returns a types.AppError with the appropriate upstream error code.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, types.NewAppError(types.ErrCodeFetchUnavailable, "fetch cancelled while rate limited", err)
		}
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Snapshot the request body so it can be replayed on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read request body for retry support", err)
		}
		req.Body.Close()
	}

	var lastResp *http.Response
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 {
				return r, fmt.Errorf("upstream returned %d", r.StatusCode)
			}
			if r.StatusCode == http.StatusTooManyRequests {
				return r, fmt.Errorf("upstream returned 429")
			}
			return r, nil
		})

		if err == nil {
			return resp, nil
		}

		lastErr = err
		if resp != nil {
			if attempt < maxAttempts-1 {
				resp.Body.Close()
			} else {
				lastResp = resp
			}
		}

		// An open breaker means the upstream is already judged unhealthy;
		// retrying would only extend the outage window.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}

		if resp != nil && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return resp, nil
		}

		if attempt < maxAttempts-1 {
			c.sleepFn(c.computeBackoff(attempt, resp))
		}
	}

	if lastResp != nil {
		lastResp.Body.Close()
	}

	return nil, c.mapError(lastResp, lastErr)
}

// computeBackoff determines the wait before the next retry. It respects the
// Retry-After header when present, otherwise uses exponential backoff with
// full jitter clamped to [MinWait, MaxWait].
func (c *Client) computeBackoff(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
				wait := time.Duration(seconds) * time.Second
				if wait > c.retryPolicy.MaxWait {
					wait = c.retryPolicy.MaxWait
				}
				return wait
			}
			if t, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(t)
				if wait <= 0 {
					return c.retryPolicy.MinWait
				}
				if wait > c.retryPolicy.MaxWait {
					wait = c.retryPolicy.MaxWait
				}
				return wait
			}
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	maxWait := float64(c.retryPolicy.MaxWait)
	if base > maxWait {
		base = maxWait
	}
	minWait := float64(c.retryPolicy.MinWait)
	if base <= minWait {
		return c.retryPolicy.MinWait
	}
	jittered := minWait + rand.Float64()*(base-minWait)
	return time.Duration(jittered)
}

// mapError translates HTTP-level failures into domain-level AppErrors.
// Network/auth failures map to upstream codes distinguishable from the
// "no data available" case, which is never an error.
func (c *Client) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, "circuit breaker is open; upstream source unavailable", err)
	}

	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
		case resp.StatusCode >= 500:
			return types.NewAppError(types.ErrCodeUpstreamUnavailable,
				fmt.Sprintf("upstream returned %d after retries", resp.StatusCode), err)
		}
	}

	return types.NewAppError(types.ErrCodeFetchUnavailable, "upstream request failed", err)
}
