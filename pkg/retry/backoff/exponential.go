package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"retrykit/pkg/retry"
)

// Defaults for the exponential policies.
const (
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMultiplier      = 2.0
	DefaultMaxInterval     = 30 * time.Second
)

// ExponentialPolicy grows the wait geometrically up to a cap.
type ExponentialPolicy struct {
	initial    time.Duration
	multiplier float64
	max        time.Duration
	jitter     bool
	waiter     Waiter
}

var _ Policy = (*ExponentialPolicy)(nil)

// NewExponentialPolicy returns a policy starting at initial and multiplying
// the wait by multiplier after every backoff until max is reached. Intervals
// are clamped to MinInterval and the multiplier to MinMultiplier.
func NewExponentialPolicy(initial time.Duration, multiplier float64, max time.Duration) *ExponentialPolicy {
	return &ExponentialPolicy{
		initial:    clampInterval(initial),
		multiplier: clampMultiplier(multiplier),
		max:        clampInterval(max),
		waiter:     TimerWaiter{},
	}
}

// DefaultExponentialPolicy returns 100ms doubling up to 30s.
func DefaultExponentialPolicy() *ExponentialPolicy {
	return NewExponentialPolicy(DefaultInitialInterval, DefaultMultiplier, DefaultMaxInterval)
}

// NewExponentialRandomPolicy is NewExponentialPolicy with every wait
// stretched by a random factor in [1, multiplier), still capped at max.
func NewExponentialRandomPolicy(initial time.Duration, multiplier float64, max time.Duration) *ExponentialPolicy {
	p := NewExponentialPolicy(initial, multiplier, max)
	p.jitter = true
	return p
}

// InitialInterval returns the first wait.
func (p *ExponentialPolicy) InitialInterval() time.Duration { return p.initial }

// Multiplier returns the growth factor.
func (p *ExponentialPolicy) Multiplier() float64 { return p.multiplier }

// MaxInterval returns the cap.
func (p *ExponentialPolicy) MaxInterval() time.Duration { return p.max }

// Randomized reports whether waits are jittered.
func (p *ExponentialPolicy) Randomized() bool { return p.jitter }

// WithWaiter returns a copy of p that waits through w.
func (p *ExponentialPolicy) WithWaiter(w Waiter) *ExponentialPolicy {
	cp := *p
	cp.waiter = w
	return &cp
}

// Start implements Policy. The returned value is an *ExponentialContext.
func (p *ExponentialPolicy) Start(*retry.Context) Context {
	c := &ExponentialContext{
		interval:   p.initial,
		multiplier: p.multiplier,
		max:        p.max,
	}
	if p.jitter {
		c.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return c
}

// BackOff implements Policy.
func (p *ExponentialPolicy) BackOff(ctx context.Context, bc Context) error {
	c, ok := bc.(*ExponentialContext)
	if !ok || c == nil {
		return ErrContextMismatch
	}
	return wait(ctx, p.waiter, c.Next())
}

func (p *ExponentialPolicy) String() string {
	name := "ExponentialPolicy"
	if p.jitter {
		name = "ExponentialRandomPolicy"
	}
	return fmt.Sprintf("%s[initial=%s, multiplier=%g, max=%s]", name, p.initial, p.multiplier, p.max)
}

// ExponentialContext tracks the current interval of one sequence. Next may
// be called from several goroutines sharing the sequence.
type ExponentialContext struct {
	mu         sync.Mutex
	interval   time.Duration
	multiplier float64
	max        time.Duration
	rnd        *rand.Rand
}

// Next returns the wait for the current step and advances to the next one.
func (c *ExponentialContext) Next() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.interval
	if d > c.max {
		d = c.max
	} else {
		c.interval = grow(c.interval, c.multiplier)
	}

	if c.rnd != nil {
		d = time.Duration(float64(d) * (1 + c.rnd.Float64()*(c.multiplier-1)))
		if d > c.max {
			d = c.max
		}
	}
	return d
}

// Interval returns the interval the next step starts from.
func (c *ExponentialContext) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

func grow(d time.Duration, m float64) time.Duration {
	next := float64(d) * m
	if next >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(next)
}
