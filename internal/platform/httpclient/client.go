// Package httpclient is an http.Client whose retries are driven by
// retry policies.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/url"
	"time"

	"retrykit/internal/shared"
	"retrykit/pkg/retry"
	"retrykit/pkg/retry/backoff"
	"retrykit/pkg/retry/classify"
	"retrykit/pkg/retry/runner"
)

// Client wraps http.Client with logging and policy driven retries.
type Client struct {
	hc               *stdhttp.Client
	log              *slog.Logger
	headers          map[string]string
	urlRedactor      func(*url.URL) string
	retryMethods     map[string]struct{}
	retryNonIdem     bool
	maxReplayBody    int64
	policy           retry.Policy
	backoff          backoff.Policy
	waiter           backoff.Waiter
	maxRetryDuration time.Duration
	middleware       []func(stdhttp.RoundTripper) stdhttp.RoundTripper
}

// Option configures Client.
type Option func(*Client)

// WithTimeout sets the timeout of a single attempt.
func WithTimeout(t time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = t }
}

// WithLogger sets logger used by client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithRetries allows n retries after the first attempt for failures accepted
// by Classifier. Use WithRetryPolicy for anything else.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n <= 0 {
			c.policy = retry.NewNeverPolicy()
			return
		}
		c.policy = retry.NewSimplePolicy(n+1, retry.WithClassifier(Classifier()))
	}
}

// WithRetryPolicy sets the policy deciding whether a failed attempt is
// repeated. The default never retries.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		if p != nil {
			c.policy = p
		}
	}
}

// WithBackOff sets the wait between attempts. A Retry-After header sent by
// the server takes precedence over it.
func WithBackOff(p backoff.Policy) Option {
	return func(c *Client) {
		if p != nil {
			c.backoff = p
		}
	}
}

// WithWaiter sets how Retry-After delays are slept.
func WithWaiter(w backoff.Waiter) Option {
	return func(c *Client) {
		if w != nil {
			c.waiter = w
		}
	}
}

// WithMaxRetryDuration bounds the whole retry sequence of one request.
func WithMaxRetryDuration(d time.Duration) Option {
	return func(c *Client) { c.maxRetryDuration = d }
}

// WithHeaders adds default headers to each request.
func WithHeaders(h map[string]string) Option {
	return func(c *Client) {
		for k, v := range h {
			if c.headers == nil {
				c.headers = make(map[string]string)
			}
			c.headers[k] = v
		}
	}
}

// WithoutHeaders removes default headers.
func WithoutHeaders(keys ...string) Option {
	return func(c *Client) {
		for _, k := range keys {
			delete(c.headers, k)
		}
	}
}

// WithURLRedactor sets URL redactor for logs.
func WithURLRedactor(f func(*url.URL) string) Option {
	return func(c *Client) { c.urlRedactor = f }
}

// WithTransport sets custom transport.
func WithTransport(rt stdhttp.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.hc.Transport = rt
		}
	}
}

// WithTransportMiddleware wraps the transport once all options are applied.
// Middlewares run in the order given, the first being outermost.
func WithTransportMiddleware(mw func(stdhttp.RoundTripper) stdhttp.RoundTripper) Option {
	return func(c *Client) {
		if mw != nil {
			c.middleware = append(c.middleware, mw)
		}
	}
}

// WithRetryMethods adds methods allowed for retries.
func WithRetryMethods(methods ...string) Option {
	return func(c *Client) {
		for _, m := range methods {
			c.retryMethods[m] = struct{}{}
		}
	}
}

// WithRetryNonIdempotent allows retries for non-idempotent methods like POST.
func WithRetryNonIdempotent(v bool) Option {
	return func(c *Client) { c.retryNonIdem = v }
}

// WithMaxReplayBodySize limits size of buffered body for retries (0 disables limit).
func WithMaxReplayBodySize(n int64) Option {
	return func(c *Client) { c.maxReplayBody = n }
}

// ErrReplayBodyTooLarge indicates request body exceeds replay limit.
var ErrReplayBodyTooLarge = errors.New("http: body too large for replay")

// New creates configured Client.
func New(opts ...Option) *Client {
	tr := stdhttp.DefaultTransport.(*stdhttp.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxConnsPerHost = 100
	tr.MaxIdleConnsPerHost = 100
	tr.IdleConnTimeout = 90 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	tr.ResponseHeaderTimeout = 10 * time.Second
	tr.ExpectContinueTimeout = 1 * time.Second

	c := &Client{
		hc: &stdhttp.Client{
			Timeout:   15 * time.Second,
			Transport: tr,
		},
		log:           slog.Default(),
		maxReplayBody: 1 << 20,
		policy:        retry.NewNeverPolicy(),
		backoff:       backoff.NoBackOff{},
		waiter:        backoff.TimerWaiter{},
		retryMethods: map[string]struct{}{
			stdhttp.MethodGet:     {},
			stdhttp.MethodHead:    {},
			stdhttp.MethodOptions: {},
			stdhttp.MethodTrace:   {},
			stdhttp.MethodPut:     {},
			stdhttp.MethodDelete:  {},
		},
	}
	for _, o := range opts {
		o(c)
	}
	for i := len(c.middleware) - 1; i >= 0; i-- {
		c.hc.Transport = c.middleware[i](c.hc.Transport)
	}
	return c
}

// Classifier accepts the failures the client reports as retryable: network
// errors classify.IsTransient accepts and the statuses StatusError marks as
// timeout, rate limiting or unavailability.
func Classifier() classify.Classifier {
	return shared.RetryableKinds(shared.DefaultRetryableKinds...)
}

// redactURL returns redacted URL string.
func (c *Client) redactURL(u *url.URL) string {
	if c.urlRedactor != nil {
		return c.urlRedactor(u)
	}
	return u.Redacted()
}

// drainAndClose drains up to 512KB from body and closes it.
func drainAndClose(b io.ReadCloser) {
	if b == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, b, 512<<10)
	_ = b.Close()
}

func (c *Client) policyFor(req *stdhttp.Request) retry.Policy {
	if _, ok := c.retryMethods[req.Method]; !ok {
		if !(req.Method == stdhttp.MethodPost && req.Header.Get("Idempotency-Key") != "") && !c.retryNonIdem {
			return retry.NewNeverPolicy()
		}
	}
	if c.maxRetryDuration > 0 {
		return retry.NewCompositePolicy([]retry.Policy{
			c.policy,
			retry.NewTimeoutPolicy(c.maxRetryDuration),
		})
	}
	return c.policy
}

// Do sends HTTP request with context, logging and retries.
//
// Responses with a retryable status (408, 421, 425, 429 and 5xx) are turned
// into a *StatusError and the body is discarded; every other response is
// returned to the caller. When the policy gives up the error is a
// *runner.ExhaustedError wrapping the last failure.
func (c *Client) Do(ctx context.Context, req *stdhttp.Request) (*stdhttp.Response, error) {
	if err := c.bufferBody(req); err != nil {
		return nil, err
	}

	u := c.redactURL(req.URL)
	rn := runner.New(c.policyFor(req),
		runner.WithName(req.Method+" "+u),
		runner.WithBackOff(&retryAfterBackOff{inner: c.backoff, waiter: c.waiter}),
		runner.WithLogger(c.log),
	)

	return runner.Do(ctx, rn, func(ctx context.Context, rc *retry.Context) (*stdhttp.Response, error) {
		return c.attempt(ctx, req, u, rc)
	})
}

// Get is a shorthand for Do with a GET request.
func (c *Client) Get(ctx context.Context, rawURL string) (*stdhttp.Response, error) {
	req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodGet, rawURL, nil)
	if err != nil {
		return nil, shared.MarkKind(err, shared.KindValidation)
	}
	return c.Do(ctx, req)
}

func (c *Client) attempt(ctx context.Context, req *stdhttp.Request, u string, rc *retry.Context) (*stdhttp.Response, error) {
	attempt := rc.RetryCount() + 1
	r := req.Clone(ctx)
	for k, v := range c.headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}

	st := time.Now()
	resp, err := c.hc.Do(r)
	dur := time.Since(st)
	if err != nil {
		c.log.Warn("http request error", slog.String("method", r.Method), slog.String("url", u), slog.Int("attempt", attempt), slog.Any("error", err))
		return nil, err
	}

	if !retryableStatus(resp.StatusCode) {
		c.log.Info("http request", slog.String("method", r.Method), slog.String("url", u), slog.Int("status", resp.StatusCode), slog.Duration("dur", dur), slog.Int("attempt", attempt))
		return resp, nil
	}

	if resp.StatusCode == stdhttp.StatusMisdirectedRequest {
		if tr, ok := c.hc.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
		}
	}
	delay := retryAfter(resp.Header.Get("Retry-After"))
	drainAndClose(resp.Body)
	if delay > 0 {
		rc.SetAttribute(AttrRetryAfter, delay)
	}

	c.log.Warn("http request status", slog.String("method", r.Method), slog.String("url", u), slog.Int("attempt", attempt), slog.Duration("retry_after", delay), slog.Bool("idempotency_key", r.Header.Get("Idempotency-Key") != ""), slog.Int("status", resp.StatusCode))
	return nil, newStatusError(r.Method, u, resp.StatusCode, delay)
}

// bufferBody makes the request body replayable for retries.
func (c *Client) bufferBody(req *stdhttp.Request) error {
	if req.Body == nil || req.GetBody != nil {
		return nil
	}
	var r io.Reader = req.Body
	if c.maxReplayBody > 0 {
		r = io.LimitReader(req.Body, c.maxReplayBody+1)
	}
	body, err := io.ReadAll(r)
	req.Body.Close()
	if err != nil {
		return err
	}
	if c.maxReplayBody > 0 && int64(len(body)) > c.maxReplayBody {
		return ErrReplayBodyTooLarge
	}
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	req.Body, _ = req.GetBody()
	return nil
}
