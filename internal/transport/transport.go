// Package transport issues HTTP POST requests with fixed headers and a
// per-request timeout. It owns no business logic.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single request when none is configured.
const DefaultTimeout = 30 * time.Second

// Version is reported in the User-Agent header.
var Version = "dev"

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Error is returned when a request could not complete: connection
// failures, timeouts, or an unreadable body.
type Error struct {
	URL     string
	Err     error
	timeout bool
}

func (e *Error) Error() string {
	if e.timeout {
		return fmt.Sprintf("transport: %s: timeout: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("transport: %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the request exceeded its deadline.
func (e *Error) Timeout() bool { return e.timeout }

// Client posts JSON bodies.
type Client struct {
	http    *http.Client
	timeout time.Duration
	headers http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithHeader adds a fixed header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers.Set(key, value) }
}

// New creates a Client. A zero timeout selects DefaultTimeout.
func New(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		http:    &http.Client{},
		timeout: timeout,
		headers: http.Header{},
	}
	c.headers.Set("Content-Type", "application/json")
	c.headers.Set("Accept", "application/json")
	c.headers.Set("User-Agent", "liftsync/"+Version)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post sends body to url. Per-call headers override the fixed ones.
// Any HTTP status is returned as a Response; only failures to complete the
// exchange are errors.
func (c *Client) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{URL: url, Err: err, timeout: isTimeout(ctx, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{URL: url, Err: fmt.Errorf("read body: %w", err), timeout: isTimeout(ctx, err)}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
