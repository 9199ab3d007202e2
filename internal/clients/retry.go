package clients

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RetryConfig configures retry behavior for upstream HTTP calls.
type RetryConfig struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         bool
	RetryFunc      func(resp *http.Response, err error) bool
	CircuitBreaker *CircuitBreaker
	// Gate, when set, is consulted before each attempt and updated from
	// Retry-After responses so concurrent callers back off together.
	Gate *RetryAfterGate
}

// DefaultRetryConfig returns the retry policy used against the upstream
// API: backoff starts at 5s, doubles, and is capped at 60s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  5 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
		RetryFunc:  DefaultShouldRetry,
	}
}

// DefaultShouldRetry retries on network errors, server errors and rate
// limits. 4xx responses other than 429 are permanent and not retried.
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// RetryAfterGate publishes a shared not-before deadline derived from
// upstream Retry-After responses. Callers wait on it voluntarily so one
// 429 slows everyone down instead of each caller discovering it alone.
type RetryAfterGate struct {
	mu       sync.Mutex
	notUntil time.Time
}

// Defer records that no request should be issued until d from now, unless
// a later deadline is already published.
func (g *RetryAfterGate) Defer(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t := time.Now().Add(d); t.After(g.notUntil) {
		g.notUntil = t
	}
}

// Remaining reports how long callers should still hold off, zero if clear.
func (g *RetryAfterGate) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d := time.Until(g.notUntil); d > 0 {
		return d
	}
	return 0
}

// Wait blocks until the published deadline passes or ctx is done.
func (g *RetryAfterGate) Wait(ctx context.Context) error {
	d := g.Remaining()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// DoWithRetry executes an HTTP request with exponential backoff, honoring
// Retry-After headers and the shared gate, optionally behind a circuit
// breaker.
func DoWithRetry(ctx context.Context, client *http.Client, req *http.Request, config RetryConfig) (*http.Response, error) {
	if config.CircuitBreaker != nil {
		var resp *http.Response
		var err error
		cbErr := config.CircuitBreaker.Call(func() error {
			resp, err = doRetryAttempts(ctx, client, req, config)
			if err != nil {
				return err
			}
			if resp != nil && resp.StatusCode >= 500 {
				return &ServerError{StatusCode: resp.StatusCode}
			}
			return nil
		})
		if cbErr != nil && err == nil {
			return nil, cbErr
		}
		return resp, err
	}
	return doRetryAttempts(ctx, client, req, config)
}

// ServerError marks a 5xx response for circuit breaker accounting.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + strconv.Itoa(e.StatusCode)
}

func doRetryAttempts(ctx context.Context, client *http.Client, req *http.Request, config RetryConfig) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	// Snapshot the body so it can be replayed on each attempt.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
	}

	delay := config.BaseDelay
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if config.Gate != nil {
			if err := config.Gate.Wait(ctx); err != nil {
				return lastResp, err
			}
		}
		if attempt > 0 {
			wait := delay
			if ra := retryAfter(lastResp); ra > 0 {
				wait = ra
			} else {
				delay = time.Duration(float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt-1)))
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
				wait = delay
			}
			if config.Jitter {
				wait += time.Duration(float64(wait) * 0.1 * (2*rand.Float64() - 1))
			}
			select {
			case <-ctx.Done():
				return lastResp, ctx.Err()
			case <-time.After(wait):
			}
		}

		var attemptReq *http.Request
		if bodyBytes != nil {
			attemptReq, lastErr = http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bytes.NewReader(bodyBytes))
		} else {
			attemptReq, lastErr = http.NewRequestWithContext(ctx, req.Method, req.URL.String(), nil)
		}
		if lastErr != nil {
			return nil, lastErr
		}
		attemptReq.Header = req.Header.Clone()

		resp, err := client.Do(attemptReq)
		lastResp = resp
		lastErr = err

		if resp != nil && resp.StatusCode == http.StatusTooManyRequests && config.Gate != nil {
			if ra := retryAfter(resp); ra > 0 {
				config.Gate.Defer(ra)
			} else {
				config.Gate.Defer(config.BaseDelay)
			}
		}

		if !config.RetryFunc(resp, err) {
			return resp, err
		}
		if attempt == config.MaxRetries {
			break
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
	}

	return lastResp, lastErr
}

// retryAfter parses a Retry-After header in seconds form.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
