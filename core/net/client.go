// Package net provides the HTTP client used for all anchor, bridge, and
// Horizon-adjacent requests. It layers timeouts, retry with exponential
// backoff, and a simple circuit breaker over net/http, plus JSON and
// bearer-token helpers for the SEP endpoints.
//
// Example usage:
//
//	client := net.NewClient(
//	    net.WithTimeout(20*time.Second),
//	    net.WithMaxRetries(5),
//	)
//	resp, err := client.Get(ctx, "https://anchor.example.com/auth?account=G...")
package net

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stellarbridge/anchor-engine-go/errors"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxRetries   = 3
	defaultBackoff      = 1 * time.Second
	defaultFailureLimit = 5
	defaultResetTimeout = 60 * time.Second

	// maxErrorBodySize bounds how much of an error response is retained for
	// diagnostics.
	maxErrorBodySize = 64 * 1024
)

// Client is an HTTP client with retry, timeout, and circuit breaker
// capabilities.
type Client struct {
	httpClient     *http.Client
	maxRetries     int
	retryBackoff   time.Duration
	circuitBreaker *circuitBreaker
	log            *logrus.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP client timeout (default: 30s).
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts (default: 3).
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryBackoff sets the base duration for exponential backoff (default: 1s).
func WithRetryBackoff(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryBackoff = d
	}
}

// WithLogger sets the logger for retry and circuit breaker events.
func WithLogger(log *logrus.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts ...ClientOption) *Client {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	client := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultBackoff,
		circuitBreaker: &circuitBreaker{
			failureLimit: defaultFailureLimit,
			resetTimeout: defaultResetTimeout,
		},
		log: discard,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Response wraps an HTTP response with convenience methods.
type Response struct {
	*http.Response
}

// DecodeJSON decodes the response body into v and closes the body.
func (r *Response) DecodeJSON(v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.NewCoreError(errors.NETWORK_ERROR, "failed to decode response JSON", err)
	}
	return nil
}

// ErrorBody reads and returns the (bounded) response body, closing it.
// Intended for non-2xx responses whose payload is needed for diagnostics.
func (r *Response) ErrorBody() string {
	defer r.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxErrorBodySize))
	return string(body)
}

// Get performs an HTTP GET request with retry and circuit breaker logic.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewCoreError(errors.NETWORK_ERROR, "failed to create GET request", err)
	}
	return c.do(req)
}

// GetWithToken performs an authenticated GET with an Authorization: Bearer
// header.
func (c *Client) GetWithToken(ctx context.Context, url, token string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewCoreError(errors.NETWORK_ERROR, "failed to create GET request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req)
}

// PostJSON marshals payload and performs an HTTP POST request. A non-empty
// token is sent as an Authorization: Bearer header.
func (c *Client) PostJSON(ctx context.Context, url string, payload any, token string) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewCoreError(errors.NETWORK_ERROR, "failed to marshal request payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewCoreError(errors.NETWORK_ERROR, "failed to create POST request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req)
}

// do executes the HTTP request with retry logic and circuit breaker.
// 4xx responses are returned to the caller unretried; 5xx and transport
// errors are retried up to maxRetries with exponential backoff.
func (c *Client) do(req *http.Request) (*Response, error) {
	if !c.circuitBreaker.allowRequest() {
		return nil, errors.NewCoreError(errors.NETWORK_ERROR, "circuit breaker is open", nil)
	}

	// Buffer the request body so it can be replayed on retries.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, errors.NewCoreError(errors.NETWORK_ERROR, "failed to read request body", err)
		}
		req.Body.Close()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		select {
		case <-req.Context().Done():
			return nil, errors.NewCoreError(errors.NETWORK_ERROR, "request cancelled", req.Context().Err())
		default:
		}

		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.maxRetries {
				c.log.WithError(err).WithField("url", req.URL.String()).Warn("request failed, retrying")
				if !c.backoff(req.Context(), attempt) {
					return nil, errors.NewCoreError(errors.NETWORK_ERROR, "request cancelled", req.Context().Err())
				}
				continue
			}
			c.circuitBreaker.recordFailure()
			return nil, errors.NewCoreError(
				errors.NETWORK_ERROR,
				fmt.Sprintf("request failed after %d attempts", attempt+1),
				err,
			)
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d %s", resp.StatusCode, resp.Status)
			if attempt < c.maxRetries {
				c.log.WithField("status", resp.StatusCode).WithField("url", req.URL.String()).Warn("server error, retrying")
				if !c.backoff(req.Context(), attempt) {
					return nil, errors.NewCoreError(errors.NETWORK_ERROR, "request cancelled", req.Context().Err())
				}
				continue
			}
			c.circuitBreaker.recordFailure()
			return nil, errors.NewCoreError(
				errors.NETWORK_ERROR,
				fmt.Sprintf("server error after %d attempts: %s", attempt+1, resp.Status),
				lastErr,
			)
		}

		// 4xx is a definitive answer from the server; hand it to the caller.
		c.circuitBreaker.recordSuccess()
		return &Response{resp}, nil
	}

	return nil, errors.NewCoreError(errors.NETWORK_ERROR, "unexpected retry exhaustion", lastErr)
}

// backoff sleeps for retryBackoff * 2^attempt, honoring context
// cancellation. Returns false if the context was cancelled.
func (c *Client) backoff(ctx context.Context, attempt int) bool {
	duration := c.retryBackoff * (1 << uint(attempt))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(duration):
		return true
	}
}

// circuitBreaker implements a simple circuit breaker pattern.
type circuitBreaker struct {
	mu           sync.RWMutex
	failures     int
	lastFailTime time.Time
	failureLimit int
	resetTimeout time.Duration
	state        circuitState
}

type circuitState int

const (
	stateClosed circuitState = iota
	stateOpen
)

// allowRequest checks if the circuit breaker allows the request to proceed.
func (cb *circuitBreaker) allowRequest() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.state == stateClosed {
		return true
	}
	return time.Since(cb.lastFailTime) > cb.resetTimeout
}

// recordSuccess records a successful request and closes the circuit.
func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = stateClosed
}

// recordFailure records a failed request and may open the circuit.
func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailTime = time.Now()

	if cb.failures >= cb.failureLimit {
		cb.state = stateOpen
	}
}
