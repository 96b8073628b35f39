// Package runner drives a retry.Policy and a backoff.Policy around an
// operation.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"retrykit/pkg/retry"
	"retrykit/pkg/retry/backoff"
)

// ExhaustedError is returned when the policy refuses another attempt and no
// recovery callback is configured.
type ExhaustedError struct {
	Name      string
	LastError error
	Attempts  int
	Duration  time.Duration
}

func (e *ExhaustedError) Error() string {
	name := e.Name
	if name == "" {
		name = "operation"
	}
	if e.LastError == nil {
		return fmt.Sprintf("retry: %s exhausted after %d attempts in %s", name, e.Attempts, e.Duration)
	}
	return fmt.Sprintf("retry: %s exhausted after %d attempts in %s: %v", name, e.Attempts, e.Duration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastError
}

// Func is one attempt of an operation. rc is the sequence context, also
// reachable through retry.FromContext(ctx).
type Func func(ctx context.Context, rc *retry.Context) error

// RecoverFunc produces the final outcome once a sequence is exhausted.
type RecoverFunc func(ctx context.Context, rc *retry.Context) error

// Runner executes operations under a retry policy. It keeps no per-call
// state and may be shared between goroutines.
type Runner struct {
	policy  retry.Policy
	backoff backoff.Policy
	recover RecoverFunc
	name    string
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithBackOff sets the wait between attempts. The default retries at once.
func WithBackOff(p backoff.Policy) Option {
	return func(r *Runner) {
		if p != nil {
			r.backoff = p
		}
	}
}

// WithRecover sets the callback consulted when attempts run out.
func WithRecover(fn RecoverFunc) Option {
	return func(r *Runner) {
		r.recover = fn
	}
}

// WithName labels every sequence with retry.AttrName.
func WithName(name string) Option {
	return func(r *Runner) {
		r.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock replaces time.Now for duration measurements.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// New returns a Runner for policy. A nil policy selects
// retry.NewSimplePolicy(retry.DefaultMaxAttempts).
func New(policy retry.Policy, opts ...Option) *Runner {
	if policy == nil {
		policy = retry.NewSimplePolicy(retry.DefaultMaxAttempts)
	}
	r := &Runner{
		policy:  policy,
		backoff: backoff.NoBackOff{},
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Policy returns the retry policy.
func (r *Runner) Policy() retry.Policy {
	return r.policy
}

// Do runs fn until it succeeds or the policy gives up.
//
// The sequence context is opened with the retry context found in ctx (if
// any) as parent and is closed on every return path. CanRetry is consulted
// once before the first attempt and once after each failure; the wait only
// happens when another attempt follows. The result is nil on success, the
// recovery outcome, an error wrapping backoff.ErrInterrupted or the context
// error when waiting is cut short, or an *ExhaustedError.
func (r *Runner) Do(ctx context.Context, fn Func) (err error) {
	parent, _ := retry.FromContext(ctx)
	rc := r.policy.Open(parent)
	if r.name != "" {
		rc.SetAttribute(retry.AttrName, r.name)
	}
	ctx = retry.WithContext(ctx, rc)

	defer func() {
		if cerr := r.policy.Close(rc); cerr != nil {
			r.log.Warn("retry close failed", slog.String("name", r.name), slog.Any("error", cerr))
			if err == nil {
				err = fmt.Errorf("retry: close: %w", cerr)
			}
		}
		rc.SetAttribute(retry.AttrClosed, true)
	}()

	bc := r.backoff.Start(rc)
	start := r.now()
	attempts := 0

	allowed := r.policy.CanRetry(rc)
	for allowed {
		if cerr := ctx.Err(); cerr != nil {
			return r.interrupted(cerr, rc)
		}

		attempts++
		aerr := fn(ctx, rc)
		if aerr == nil {
			if attempts > 1 {
				r.log.Debug("retry succeeded", slog.String("name", r.name), slog.Int("attempt", attempts))
			}
			return nil
		}
		r.policy.RegisterError(rc, aerr)

		allowed = !rc.IsExhaustedOnly() && r.policy.CanRetry(rc)
		if !allowed {
			break
		}

		r.log.Debug("retry attempt failed",
			slog.String("name", r.name),
			slog.Int("attempt", attempts),
			slog.Int("retry_count", rc.RetryCount()),
			slog.Any("error", aerr),
		)

		if berr := r.backoff.BackOff(ctx, bc); berr != nil {
			return r.interrupted(berr, rc)
		}
	}

	rc.SetAttribute(retry.AttrExhausted, true)

	if r.recover != nil {
		rc.SetAttribute(retry.AttrRecovered, true)
		return r.recover(ctx, rc)
	}

	dur := r.now().Sub(start)
	r.log.Warn("retry exhausted",
		slog.String("name", r.name),
		slog.Int("attempts", attempts),
		slog.Duration("dur", dur),
		slog.Any("error", rc.LastError()),
	)
	return &ExhaustedError{
		Name:      r.name,
		LastError: rc.LastError(),
		Attempts:  attempts,
		Duration:  dur,
	}
}

func (r *Runner) interrupted(cause error, rc *retry.Context) error {
	r.log.Debug("retry interrupted", slog.String("name", r.name), slog.Any("error", cause))
	last := rc.LastError()
	if last == nil || errors.Is(cause, last) {
		return cause
	}
	return fmt.Errorf("%w (last error: %w)", cause, last)
}

// Do is Runner.Do for operations producing a value. The zero T is returned
// with any error.
func Do[T any](ctx context.Context, r *Runner, fn func(ctx context.Context, rc *retry.Context) (T, error)) (T, error) {
	var out T
	err := r.Do(ctx, func(ctx context.Context, rc *retry.Context) error {
		v, err := fn(ctx, rc)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
