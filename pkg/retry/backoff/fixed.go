package backoff

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"retrykit/pkg/retry"
)

// Defaults for the stateless policies.
const (
	DefaultPeriod    = time.Second
	DefaultMinPeriod = 500 * time.Millisecond
	DefaultMaxPeriod = 1500 * time.Millisecond
)

// FixedPolicy waits the same period between every attempt.
type FixedPolicy struct {
	period time.Duration
	waiter Waiter
}

var _ Policy = (*FixedPolicy)(nil)

// NewFixedPolicy returns a policy waiting period, clamped to MinInterval.
func NewFixedPolicy(period time.Duration) *FixedPolicy {
	return &FixedPolicy{period: clampInterval(period), waiter: TimerWaiter{}}
}

// Period returns the configured wait.
func (p *FixedPolicy) Period() time.Duration {
	return p.period
}

// WithWaiter returns a copy of p that waits through w.
func (p *FixedPolicy) WithWaiter(w Waiter) *FixedPolicy {
	cp := *p
	cp.waiter = w
	return &cp
}

// Start implements Policy.
func (p *FixedPolicy) Start(*retry.Context) Context { return nil }

// BackOff implements Policy.
func (p *FixedPolicy) BackOff(ctx context.Context, _ Context) error {
	return wait(ctx, p.waiter, p.period)
}

func (p *FixedPolicy) String() string {
	return fmt.Sprintf("FixedPolicy[period=%s]", p.period)
}

// UniformRandomPolicy waits a random period in [min, max).
type UniformRandomPolicy struct {
	min    time.Duration
	max    time.Duration
	waiter Waiter
}

var _ Policy = (*UniformRandomPolicy)(nil)

// NewUniformRandomPolicy returns a policy picking waits uniformly from
// [min, max). Both bounds are clamped to MinInterval and a max below min is
// raised to min, which makes every wait exactly min.
func NewUniformRandomPolicy(min, max time.Duration) *UniformRandomPolicy {
	min = clampInterval(min)
	max = clampInterval(max)
	if max < min {
		max = min
	}
	return &UniformRandomPolicy{min: min, max: max, waiter: TimerWaiter{}}
}

// Bounds returns the configured range.
func (p *UniformRandomPolicy) Bounds() (min, max time.Duration) {
	return p.min, p.max
}

// WithWaiter returns a copy of p that waits through w.
func (p *UniformRandomPolicy) WithWaiter(w Waiter) *UniformRandomPolicy {
	cp := *p
	cp.waiter = w
	return &cp
}

// Start implements Policy.
func (p *UniformRandomPolicy) Start(*retry.Context) Context { return nil }

// BackOff implements Policy.
func (p *UniformRandomPolicy) BackOff(ctx context.Context, _ Context) error {
	return wait(ctx, p.waiter, p.next())
}

func (p *UniformRandomPolicy) next() time.Duration {
	if p.max == p.min {
		return p.min
	}
	return p.min + time.Duration(rand.Int64N(int64(p.max-p.min)))
}

func (p *UniformRandomPolicy) String() string {
	return fmt.Sprintf("UniformRandomPolicy[min=%s, max=%s]", p.min, p.max)
}
