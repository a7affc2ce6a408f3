// Package httpjson is the JSON-over-HTTP client shared by the outbound
// collaborators (signing service, AI gateway, chain API). Calls are retried
// with retry.Collaborator and guarded by a per-collaborator circuit breaker.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/satsafe/escrowd/internal/circuitbreaker"
	"github.com/satsafe/escrowd/internal/retry"
)

const maxResponseBytes = 1 << 20

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// IsClientError reports whether err is a 4xx response. Client errors are
// neither retried nor counted by the breaker.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// Client calls one collaborator.
type Client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	headers map[string]string
}

// New creates a client for the collaborator reachable at baseURL. name keys
// the circuit breaker and appears in errors.
func New(name, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.Collaborator,
		headers: map[string]string{},
	}
}

// WithPolicy overrides the retry policy.
func (c *Client) WithPolicy(p retry.Policy) *Client {
	c.policy = p
	return c
}

// WithBreaker shares a breaker across clients.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// WithHeader adds a header to every request.
func (c *Client) WithHeader(key, value string) *Client {
	c.headers[key] = value
	return c
}

// Name returns the collaborator name.
func (c *Client) Name() string { return c.name }

// Do sends body (if non-nil) as JSON and decodes a 2xx response into out
// (if non-nil).
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	raw, err := c.call(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return nil
}

// DoRaw returns the 2xx response body unparsed.
func (c *Client) DoRaw(ctx context.Context, method, path string) ([]byte, error) {
	return c.call(ctx, method, path, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("%s: marshal request body: %w", c.name, err)
		}
	}

	var out []byte
	err := retry.Do(ctx, c.policy, func() error {
		err := c.breaker.Call(c.name, func() error {
			var err error
			out, err = c.once(ctx, method, path, payload)
			return err
		}, func(err error) bool { return !IsClientError(err) })
		if errors.Is(err, circuitbreaker.ErrOpen) || IsClientError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s %s: %w", c.name, method, path, err)
	}
	return out, nil
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}
