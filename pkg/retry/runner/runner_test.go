package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retrykit/pkg/retry"
	"retrykit/pkg/retry/backoff"
	"retrykit/pkg/retry/classify"
	"retrykit/pkg/retry/runner"
)

var errBoom = errors.New("boom")

type recorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recorder) Wait(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

// countingPolicy counts CanRetry calls of the wrapped policy.
type countingPolicy struct {
	retry.Policy
	checks int
	closed int
}

func (p *countingPolicy) CanRetry(c *retry.Context) bool {
	p.checks++
	return p.Policy.CanRetry(c)
}

func (p *countingPolicy) Close(c *retry.Context) error {
	p.closed++
	return p.Policy.Close(c)
}

func TestRunner_SucceedsAfterFailures(t *testing.T) {
	rec := &recorder{}
	policy := &countingPolicy{Policy: retry.NewSimplePolicy(5)}
	r := runner.New(policy,
		runner.WithBackOff(backoff.NewExponentialPolicy(100*time.Millisecond, 2, time.Second).WithWaiter(rec)),
		runner.WithName("fetch"),
	)

	var seen *retry.Context
	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, rc *retry.Context) error {
		calls++
		seen = rc
		fromCtx, ok := retry.FromContext(ctx)
		require.True(t, ok)
		assert.Same(t, rc, fromCtx)
		if calls < 3 {
			return errBoom
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, policy.checks)
	assert.Equal(t, 1, policy.closed)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rec.waits)

	assert.Equal(t, "fetch", seen.Name())
	assert.Equal(t, 2, seen.RetryCount())
	closed, _ := seen.Attribute(retry.AttrClosed)
	assert.Equal(t, true, closed)
	assert.False(t, seen.HasAttribute(retry.AttrExhausted))
}

func TestRunner_Exhausted(t *testing.T) {
	rec := &recorder{}
	policy := &countingPolicy{Policy: retry.NewSimplePolicy(3)}
	r := runner.New(policy, runner.WithBackOff(backoff.NewFixedPolicy(time.Second).WithWaiter(rec)))

	var seen *retry.Context
	calls := 0
	err := r.Do(context.Background(), func(_ context.Context, rc *retry.Context) error {
		calls++
		seen = rc
		return errBoom
	})

	var exhausted *runner.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 4, policy.checks)
	assert.Len(t, rec.waits, 2, "no wait after the final attempt")
	assert.Equal(t, 1, policy.closed)
	assert.True(t, seen.Snapshot().Exhausted)
	assert.True(t, seen.Snapshot().Closed)
}

func TestRunner_NotRetryable(t *testing.T) {
	errFatal := errors.New("fatal")
	r := runner.New(retry.NewSimplePolicy(5, retry.WithClassifier(
		classify.NewBinary(true, classify.NotRetryable(errFatal)),
	)))

	calls := 0
	err := r.Do(context.Background(), func(context.Context, *retry.Context) error {
		calls++
		return errFatal
	})

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestRunner_Recover(t *testing.T) {
	errFallback := errors.New("served from cache")
	r := runner.New(retry.NewSimplePolicy(2), runner.WithRecover(func(_ context.Context, rc *retry.Context) error {
		assert.ErrorIs(t, rc.LastError(), errBoom)
		return errFallback
	}))

	var seen *retry.Context
	err := r.Do(context.Background(), func(_ context.Context, rc *retry.Context) error {
		seen = rc
		return errBoom
	})

	assert.ErrorIs(t, err, errFallback)
	assert.True(t, seen.Snapshot().Recovered)
	assert.True(t, seen.Snapshot().Closed)
}

func TestRunner_ExhaustedOnlyStopsAtOnce(t *testing.T) {
	r := runner.New(retry.NewAlwaysPolicy())

	calls := 0
	err := r.Do(context.Background(), func(_ context.Context, rc *retry.Context) error {
		calls++
		if calls == 2 {
			rc.SetExhaustedOnly()
		}
		return errBoom
	})

	var exhausted *runner.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, calls)
}

func TestRunner_BackOffInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := runner.New(retry.NewSimplePolicy(5), runner.WithBackOff(backoff.NewFixedPolicy(time.Minute)))

	calls := 0
	err := r.Do(ctx, func(context.Context, *retry.Context) error {
		calls++
		cancel()
		return errBoom
	})

	assert.ErrorIs(t, err, backoff.ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestRunner_CancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := runner.New(nil).Do(ctx, func(context.Context, *retry.Context) error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestRunner_NestedParent(t *testing.T) {
	outer := runner.New(retry.NewSimplePolicy(1))
	inner := runner.New(retry.NewSimplePolicy(1))

	err := outer.Do(context.Background(), func(ctx context.Context, outerRC *retry.Context) error {
		return inner.Do(ctx, func(_ context.Context, innerRC *retry.Context) error {
			assert.Same(t, outerRC, innerRC.Parent())
			return nil
		})
	})
	require.NoError(t, err)
}

func TestRunner_CloseError(t *testing.T) {
	errClose := errors.New("close failed")
	policy := closeFailing{Policy: retry.NewSimplePolicy(1), err: errClose}

	err := runner.New(policy).Do(context.Background(), func(context.Context, *retry.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, errClose)

	err = runner.New(policy).Do(context.Background(), func(context.Context, *retry.Context) error {
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, errClose)
}

type closeFailing struct {
	retry.Policy
	err error
}

func (p closeFailing) Close(*retry.Context) error { return p.err }

func TestRunner_DurationUsesClock(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	err := runner.New(retry.NewSimplePolicy(2), runner.WithClock(clock)).Do(context.Background(),
		func(context.Context, *retry.Context) error { return errBoom })

	var exhausted *runner.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, time.Second, exhausted.Duration)
}

func TestExhaustedError_Message(t *testing.T) {
	err := &runner.ExhaustedError{Name: "fetch", LastError: errBoom, Attempts: 3, Duration: time.Second}
	assert.Equal(t, "retry: fetch exhausted after 3 attempts in 1s: boom", err.Error())

	bare := &runner.ExhaustedError{Attempts: 0}
	assert.Equal(t, "retry: operation exhausted after 0 attempts in 0s", bare.Error())
	assert.NoError(t, bare.Unwrap())
}

func TestDo_Value(t *testing.T) {
	r := runner.New(retry.NewSimplePolicy(3))

	calls := 0
	v, err := runner.Do(context.Background(), r, func(context.Context, *retry.Context) (string, error) {
		calls++
		if calls == 1 {
			return "partial", errBoom
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	v, err = runner.Do(context.Background(), r, func(context.Context, *retry.Context) (string, error) {
		return "partial", errBoom
	})
	assert.Error(t, err)
	assert.Empty(t, v)
}
