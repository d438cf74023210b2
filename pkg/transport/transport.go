// Package transport wraps outbound HTTP calls to the media manager with
// connection reuse, exponential-backoff retries, a circuit breaker, and a
// tracing span per call, matching the teacher's HTTPClient-interface
// pattern generalized to the manager client's retry/breaker requirements.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HTTPClient is the minimal surface this package depends on, so tests can
// substitute a fake without standing up a real listener.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	DefaultMaxRetries  = 2
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 10 * time.Second
)

// Client wraps an HTTPClient with retry, circuit-breaking and tracing.
// Safe for concurrent use; callers get one shared instance per manager
// client.
type Client struct {
	inner      HTTPClient
	maxRetries int
	base       time.Duration
	max        time.Duration
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying transport, default
// http.DefaultClient.
func WithHTTPClient(c HTTPClient) Option {
	return func(cl *Client) { cl.inner = c }
}

// WithMaxRetries overrides the retry budget, default 2 (three attempts in
// all, counting the first).
func WithMaxRetries(n int) Option {
	return func(cl *Client) { cl.maxRetries = n }
}

// WithBackoff overrides the base and cap of the exponential backoff.
func WithBackoff(base, max time.Duration) Option {
	return func(cl *Client) {
		cl.base = base
		cl.max = max
	}
}

// WithBreakerSettings overrides the circuit breaker's consecutive-failure
// threshold and open-state timeout.
func WithBreakerSettings(name string, consecutiveFailures uint32, openTimeout time.Duration) Option {
	return func(cl *Client) {
		cl.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:    name,
			Timeout: openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= consecutiveFailures
			},
		})
	}
}

// New builds a Client with the given options applied over sane defaults: a
// breaker that opens after 5 consecutive failures for 30s.
func New(opts ...Option) *Client {
	c := &Client{
		inner:      http.DefaultClient,
		maxRetries: DefaultMaxRetries,
		base:       DefaultBaseBackoff,
		max:        DefaultMaxBackoff,
		tracer:     otel.Tracer("manager-client"),
	}

	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:    "manager-client",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// retryable reports whether a response's status code is worth retrying:
// any 5xx, or 429.
func retryable(resp *http.Response) bool {
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

// Do executes req with retries, inside the circuit breaker, inside an OTel
// span named "manager.<method-and-path>". The request body, if any, must
// support being re-read on retry (callers pass a GetBody-capable request or
// a nil body for GET/DELETE).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx, span := c.tracer.Start(req.Context(), "manager."+req.Method+" "+req.URL.Path)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.url", req.URL.String()),
	)

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		return c.doWithRetry(req.WithContext(ctx))
	})

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.base
	policy.MaxInterval = c.max

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, err := c.inner.Do(cloneRequest(req))
		if err != nil {
			lastErr = err
			if attempt == c.maxRetries {
				break
			}
			sleep(req.Context(), policy.NextBackOff())
			continue
		}

		if !retryable(resp) {
			return resp, nil
		}

		lastErr = fmt.Errorf("manager: retryable status %d", resp.StatusCode)
		wait := retryAfter(resp)
		drainAndClose(resp)

		if attempt == c.maxRetries {
			break
		}
		if wait == 0 {
			wait = policy.NextBackOff()
		}
		sleep(req.Context(), wait)
	}

	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	secs, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func drainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// cloneRequest shallow-copies a request for re-send. Clone does not reset
// Body: the prior attempt's inner.Do already drained it, so a retried
// request with a body must pull a fresh reader from GetBody or it goes
// out empty.
func cloneRequest(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err == nil {
			clone.Body = body
		}
	}
	return clone
}

// StartSpan is exposed so the reconciliation engine can wrap a whole
// reconcile(item) attempt, not just the HTTP calls within it, under one
// trace.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer("reconcile-engine").Start(ctx, name)
}
