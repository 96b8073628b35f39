// Package probe checks one HTTP endpoint. Each check retries through the
// client's policy and is gated by a long-lived guard policy, normally a
// circuit breaker, so a failing endpoint stops being hammered.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"retrykit/internal/platform/httpclient"
	"retrykit/internal/shared"
	"retrykit/pkg/retry"
	"retrykit/pkg/retry/backoff"
	"retrykit/pkg/retry/runner"
)

// Result is the outcome of one check.
type Result struct {
	RunID    string        `json:"run_id"`
	At       time.Time     `json:"at"`
	Status   int           `json:"status,omitempty"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Rejected bool          `json:"rejected,omitempty"`
	Canceled bool          `json:"canceled,omitempty"`
}

// OK reports whether the check succeeded.
func (r Result) OK() bool {
	return r.Error == ""
}

// Status is the observable state of a Prober.
type Status struct {
	Name     string         `json:"name"`
	URL      string         `json:"url"`
	Runs     int64          `json:"runs"`
	Failures int64          `json:"failures"`
	Rejected int64          `json:"rejected"`
	Guard    retry.Snapshot `json:"guard"`
	Last     *Result        `json:"last,omitempty"`
}

// Config describes the probed endpoint and its policies.
type Config struct {
	Name   string
	URL    string
	Method string
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// Retry decides whether a failed attempt of one check is repeated.
	Retry retry.Policy
	// BackOff paces the attempts of one check.
	BackOff backoff.Policy
	// Guard is shared by all checks. Nil admits every check.
	Guard retry.Policy
}

// Option configures a Prober.
type Option func(*Prober)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.log = l
		}
	}
}

// WithClock sets the time source of results.
func WithClock(now func() time.Time) Option {
	return func(p *Prober) {
		if now != nil {
			p.now = now
		}
	}
}

// WithRegisterer registers check metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(p *Prober) {
		p.registerer = r
	}
}

// WithClientOptions passes extra options to the HTTP client.
func WithClientOptions(opts ...httpclient.Option) Option {
	return func(p *Prober) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// Prober runs checks against one endpoint. It is safe for concurrent use.
type Prober struct {
	name   string
	url    string
	method string
	client *httpclient.Client
	guard  *runner.Guard
	window func() int
	log    *slog.Logger
	now    func() time.Time

	clientOpts []httpclient.Option
	registerer prometheus.Registerer
	metrics    *metrics

	runs     atomic.Int64
	failures atomic.Int64
	rejected atomic.Int64

	mu   sync.RWMutex
	last *Result
}

// ErrUnhealthy marks a check that got a response with a failing status.
var ErrUnhealthy = errors.New("probe: unhealthy")

// New creates a Prober.
func New(cfg Config, opts ...Option) *Prober {
	p := &Prober{
		name:   cfg.Name,
		url:    cfg.URL,
		method: cfg.Method,
		log:    slog.Default(),
		now:    time.Now,
	}
	if p.method == "" {
		p.method = stdhttp.MethodGet
	}
	if p.name == "" {
		p.name = "probe"
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With(slog.String("probe", p.name))
	p.metrics = newMetrics(p.registerer, p.name)

	guard := cfg.Guard
	if guard == nil {
		guard = retry.NewAlwaysPolicy()
	}
	p.guard = runner.NewGuard(guard, runner.WithGuardName(p.name), runner.WithGuardLogger(p.log))
	if cb, ok := guard.(*retry.CircuitBreakerPolicy); ok {
		p.window = func() int { return cb.DelegateContext(p.guard.Context()).RetryCount() }
	}

	copts := []httpclient.Option{
		httpclient.WithLogger(p.log),
		httpclient.WithRetryPolicy(cfg.Retry),
		httpclient.WithBackOff(cfg.BackOff),
		httpclient.WithTransportMiddleware(countAttempts),
	}
	if cfg.Timeout > 0 {
		copts = append(copts, httpclient.WithTimeout(cfg.Timeout))
	}
	copts = append(copts, p.clientOpts...)
	p.client = httpclient.New(copts...)
	return p
}

// Check runs one check and records its result. An empty runID gets a fresh
// one.
func (p *Prober) Check(ctx context.Context, runID string) Result {
	if runID == "" {
		runID = uuid.NewString()
	}
	log := p.log.With(slog.String("run_id", runID))
	res := Result{RunID: runID, At: p.now()}
	p.runs.Add(1)

	var attempts atomic.Int32
	err := p.guard.Do(ctx, func(ctx context.Context) error {
		status, err := p.request(ctx, &attempts)
		res.Status = status
		return err
	})
	res.Attempts = int(attempts.Load())
	res.Duration = p.now().Sub(res.At)

	switch {
	case err == nil:
		log.Info("probe ok", slog.Int("status", res.Status), slog.Int("attempts", res.Attempts), slog.Duration("dur", res.Duration))
	case errors.Is(err, runner.ErrRejected):
		p.rejected.Add(1)
		res.Rejected = true
		log.Warn("probe rejected", slog.Any("error", err))
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		res.Canceled = true
		log.Info("probe canceled", slog.Int("attempts", res.Attempts), slog.Any("error", err))
	default:
		p.failures.Add(1)
		log.Error("probe failed", slog.Int("attempts", res.Attempts), slog.Duration("dur", res.Duration), slog.Any("error", err))
	}
	if err != nil {
		res.Error = err.Error()
		if k := shared.KindOf(err); k != shared.KindUnknown {
			res.Kind = k.String()
		}
	}

	snap := p.guard.Snapshot()
	window := snap.RetryCount
	if p.window != nil {
		window = p.window()
	}
	p.metrics.observe(res, snap.CircuitOpen, window)

	p.mu.Lock()
	p.last = &res
	p.mu.Unlock()
	return res
}

func (p *Prober) request(ctx context.Context, attempts *atomic.Int32) (int, error) {
	ctx = withAttempts(ctx, attempts)
	req, err := stdhttp.NewRequestWithContext(ctx, p.method, p.url, nil)
	if err != nil {
		return 0, shared.MarkKind(err, shared.KindValidation)
	}

	resp, err := p.client.Do(ctx, req)
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) {
			return se.Code, err
		}
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= stdhttp.StatusBadRequest {
		return resp.StatusCode, shared.MarkKind(
			fmt.Errorf("%w: %s %s returned %d", ErrUnhealthy, p.method, p.url, resp.StatusCode),
			shared.KindOfStatus(resp.StatusCode),
		)
	}
	return resp.StatusCode, nil
}

// Last returns the most recent result.
func (p *Prober) Last() (Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Result{}, false
	}
	return *p.last, true
}

// Status captures counters, the guard context and the last result.
func (p *Prober) Status() Status {
	s := Status{
		Name:     p.name,
		URL:      p.url,
		Runs:     p.runs.Load(),
		Failures: p.failures.Load(),
		Rejected: p.rejected.Load(),
		Guard:    p.guard.Snapshot(),
	}
	if last, ok := p.Last(); ok {
		s.Last = &last
	}
	return s
}

// Close releases the guard context.
func (p *Prober) Close() error {
	return p.guard.Close()
}
