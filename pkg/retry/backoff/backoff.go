// Package backoff computes and performs the wait between two attempts of a
// retry sequence.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"retrykit/pkg/retry"
)

// Minimum values every policy is clamped to at construction.
const (
	MinInterval   = time.Millisecond
	MinMultiplier = 1.0
)

var (
	// ErrInterrupted is returned when a wait ends before its full duration.
	ErrInterrupted = errors.New("backoff: interrupted")

	// ErrContextMismatch is returned when BackOff receives a context started
	// by a different policy.
	ErrContextMismatch = errors.New("backoff: context not started by this policy")
)

// Context is the per-sequence state of a backoff policy. Stateless policies
// return nil from Start.
type Context interface{}

// Policy computes the wait between attempts.
type Policy interface {
	// Start allocates the state of a new sequence.
	Start(rc *retry.Context) Context
	// BackOff blocks for the next delay of the sequence.
	BackOff(ctx context.Context, bc Context) error
}

// Waiter suspends the caller for a duration.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// WaiterFunc adapts a function to Waiter.
type WaiterFunc func(ctx context.Context, d time.Duration) error

// Wait implements Waiter.
func (f WaiterFunc) Wait(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerWaiter sleeps on a timer and gives up when ctx is done.
type TimerWaiter struct{}

// Wait implements Waiter. A cancelled wait returns an error wrapping both
// ErrInterrupted and the context error.
func (TimerWaiter) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

// NoopWaiter returns immediately.
var NoopWaiter Waiter = WaiterFunc(func(context.Context, time.Duration) error { return nil })

func clampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	return d
}

func clampMultiplier(m float64) float64 {
	if m < MinMultiplier || math.IsNaN(m) {
		return MinMultiplier
	}
	return m
}

func wait(ctx context.Context, w Waiter, d time.Duration) error {
	if err := w.Wait(ctx, d); err != nil {
		if errors.Is(err, ErrInterrupted) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return nil
}

// NoBackOff retries immediately.
type NoBackOff struct{}

var _ Policy = NoBackOff{}

// Start implements Policy.
func (NoBackOff) Start(*retry.Context) Context { return nil }

// BackOff implements Policy.
func (NoBackOff) BackOff(context.Context, Context) error { return nil }

func (NoBackOff) String() string { return "NoBackOff[]" }
