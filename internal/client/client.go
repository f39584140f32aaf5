// Package client talks to the golden-record task API on behalf of producers and step workers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/goldenrecord/internal/api"
	"github.com/aristath/goldenrecord/internal/persistence"
	"github.com/aristath/goldenrecord/internal/task"
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
	Failures   []api.Failure
}

func (e *StatusError) Error() string {
	if len(e.Failures) > 0 {
		return fmt.Sprintf("server returned %d: %s (%d failures)", e.StatusCode, e.Message, len(e.Failures))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed when retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryConfig replaces DefaultRetryConfig.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithBreakers shares a breaker registry between clients.
func WithBreakers(reg *CircuitBreakerRegistry) Option {
	return func(c *Client) { c.breakers = reg }
}

// Client calls the task API. It is safe for concurrent use.
type Client struct {
	baseURL  string
	http     *http.Client
	retry    RetryConfig
	breakers *CircuitBreakerRegistry
	cb       *gobreaker.CircuitBreaker
}

// New creates a client for the service at baseURL, e.g. http://localhost:8085.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host required", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		retry:   DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breakers == nil {
		c.breakers = NewCircuitBreakerRegistry()
	}
	c.cb = c.breakers.Get(u.Host)
	return c, nil
}

// CreateTasks submits one task per payload in mode. It is retried only when the
// request never reached the server; otherwise a retry could create duplicates.
func (c *Client) CreateTasks(ctx context.Context, mode task.Mode, payloads []json.RawMessage) ([]api.CreatedTask, error) {
	var resp api.CreateTasksResponse
	req := api.CreateTasksRequest{Mode: mode, BusinessPartners: payloads}
	if err := c.doOnce(ctx, http.MethodPost, api.BasePath, req, &resp); err != nil {
		return nil, err
	}
	return resp.CreatedTasks, nil
}

// SearchStates polls the given tasks. Unknown or evicted ids are omitted.
func (c *Client) SearchStates(ctx context.Context, ids []string) ([]api.TaskState, error) {
	var resp api.SearchStatesResponse
	if err := c.do(ctx, http.MethodPost, api.BasePath+"/state/search", api.SearchStatesRequest{TaskIDs: ids}, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Reserve reserves up to amount tasks queued at step. Like CreateTasks it is not
// retried once the server may have seen it, since a lost response would strand
// the reserved batch until the pending timeout.
func (c *Client) Reserve(ctx context.Context, step task.Step, amount int) ([]api.ReservedTask, error) {
	var resp api.ReserveResponse
	if err := c.doOnce(ctx, http.MethodPost, api.BasePath+"/step-reservations", api.ReserveRequest{Step: step, Amount: amount}, &resp); err != nil {
		return nil, err
	}
	return resp.ReservedTasks, nil
}

// Resolve reports step results. Rejected entries come back as a *StatusError
// listing them; the accepted entries have been applied.
func (c *Client) Resolve(ctx context.Context, step task.Step, results []api.StepResult) error {
	return c.do(ctx, http.MethodPost, api.BasePath+"/step-results", api.ResolveRequest{Step: step, Results: results}, nil)
}

// Stats returns task counts per processing state.
func (c *Client) Stats(ctx context.Context) ([]persistence.StateCount, error) {
	var resp api.StatsResponse
	if err := c.do(ctx, http.MethodGet, api.BasePath+"/stats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Counts, nil
}

// do sends an idempotent request, retrying transport errors and 5xx responses.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return c.call(ctx, method, path, in, out, true)
}

// doOnce sends a request that must not be repeated once the server may have applied it.
func (c *Client) doOnce(ctx context.Context, method, path string, in, out any) error {
	return c.call(ctx, method, path, in, out, false)
}

func (c *Client) call(ctx context.Context, method, path string, in, out any, idempotent bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	return withRetry(ctx, c.cb, c.retry, func() error {
		err := c.send(ctx, method, path, body, out)
		if err != nil && !idempotent && !notSent(err) {
			return backoff.Permanent(err)
		}
		return err
	})
}

// notSent reports whether err happened before the request could reach the server.
func notSent(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var eb api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil {
			se.Message = eb.Error
			se.Failures = eb.Failures
		} else {
			se.Message = http.StatusText(resp.StatusCode)
		}
		return se
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
