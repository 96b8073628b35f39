package retry

import (
	"fmt"
	"sync"
	"time"

	"retrykit/pkg/retry/classify"
)

// DefaultMaxAttempts is the attempt limit used by NewSimplePolicy(0) and by
// the default circuit breaker delegate.
const DefaultMaxAttempts = 3

// DefaultTimeout bounds a TimeoutPolicy sequence when none is given.
const DefaultTimeout = time.Second

// Policy decides whether another attempt is allowed for a sequence.
//
// A Policy holds configuration only and may be shared by concurrent
// sequences; all per-sequence state lives in the Context it opens.
type Policy interface {
	// Open allocates the context of a new sequence, linked to parent.
	Open(parent *Context) *Context
	// CanRetry reports whether another attempt is currently permitted.
	CanRetry(c *Context) bool
	// RegisterError records a failed attempt.
	RegisterError(c *Context, err error)
	// Close releases whatever the policy holds for c.
	Close(c *Context) error
}

// Clock returns the current time. Policies that measure elapsed time accept
// one so tests can move time explicitly.
type Clock func() time.Time

type neverState struct {
	mu       sync.Mutex
	finished bool
}

// NeverPolicy allows the first attempt only.
type NeverPolicy struct{}

var _ Policy = NeverPolicy{}

// NewNeverPolicy returns a policy that never retries.
func NewNeverPolicy() NeverPolicy {
	return NeverPolicy{}
}

func (NeverPolicy) Open(parent *Context) *Context {
	c := newContext(parent, variantNever)
	c.never = &neverState{}
	return c
}

func (NeverPolicy) CanRetry(c *Context) bool {
	c.mustBe(variantNever)
	if c.IsExhaustedOnly() {
		return false
	}
	c.never.mu.Lock()
	defer c.never.mu.Unlock()
	return !c.never.finished
}

func (NeverPolicy) RegisterError(c *Context, err error) {
	c.mustBe(variantNever)
	c.never.mu.Lock()
	c.never.finished = true
	c.never.mu.Unlock()
	c.RegisterError(err)
}

func (NeverPolicy) Close(c *Context) error {
	return nil
}

// AlwaysPolicy allows attempts until something else exhausts the context.
type AlwaysPolicy struct{}

var _ Policy = AlwaysPolicy{}

// NewAlwaysPolicy returns a policy that always retries.
func NewAlwaysPolicy() AlwaysPolicy {
	return AlwaysPolicy{}
}

func (AlwaysPolicy) Open(parent *Context) *Context {
	return newContext(parent, variantAlways)
}

func (AlwaysPolicy) CanRetry(c *Context) bool {
	c.mustBe(variantAlways)
	return !c.IsExhaustedOnly()
}

func (AlwaysPolicy) RegisterError(c *Context, err error) {
	c.mustBe(variantAlways)
	c.RegisterError(err)
}

func (AlwaysPolicy) Close(c *Context) error {
	return nil
}

// SimplePolicy allows a fixed number of attempts for failures its classifier
// accepts.
type SimplePolicy struct {
	maxAttempts int
	classifier  classify.Classifier
}

var _ Policy = (*SimplePolicy)(nil)

// SimpleOption configures a SimplePolicy.
type SimpleOption func(*SimplePolicy)

// WithClassifier sets the predicate deciding which failures are retryable.
func WithClassifier(cl classify.Classifier) SimpleOption {
	return func(p *SimplePolicy) {
		if cl != nil {
			p.classifier = cl
		}
	}
}

// NewSimplePolicy returns a policy allowing maxAttempts attempts.
// A non-positive maxAttempts selects DefaultMaxAttempts.
func NewSimplePolicy(maxAttempts int, opts ...SimpleOption) *SimplePolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	p := &SimplePolicy{
		maxAttempts: maxAttempts,
		classifier:  classify.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// MaxAttempts returns the configured attempt limit.
func (p *SimplePolicy) MaxAttempts() int {
	return p.maxAttempts
}

func (p *SimplePolicy) Open(parent *Context) *Context {
	return newContext(parent, variantSimple)
}

func (p *SimplePolicy) CanRetry(c *Context) bool {
	c.mustBe(variantSimple)
	if c.IsExhaustedOnly() {
		return false
	}
	last := c.LastError()
	return (last == nil || p.classifier.Classify(last)) && c.RetryCount() < p.maxAttempts
}

func (p *SimplePolicy) RegisterError(c *Context, err error) {
	c.mustBe(variantSimple)
	c.RegisterError(err)
}

func (p *SimplePolicy) Close(c *Context) error {
	return nil
}

func (p *SimplePolicy) String() string {
	return fmt.Sprintf("SimplePolicy[maxAttempts=%d]", p.maxAttempts)
}

type timeoutState struct {
	start time.Time
}

// TimeoutPolicy allows attempts until a wall-clock budget measured from Open
// runs out.
type TimeoutPolicy struct {
	timeout time.Duration
	now     Clock
}

var _ Policy = (*TimeoutPolicy)(nil)

// TimeoutOption configures a TimeoutPolicy.
type TimeoutOption func(*TimeoutPolicy)

// WithTimeoutClock replaces time.Now.
func WithTimeoutClock(now Clock) TimeoutOption {
	return func(p *TimeoutPolicy) {
		if now != nil {
			p.now = now
		}
	}
}

// NewTimeoutPolicy returns a policy bounded by timeout. A non-positive
// timeout selects DefaultTimeout.
func NewTimeoutPolicy(timeout time.Duration, opts ...TimeoutOption) *TimeoutPolicy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &TimeoutPolicy{timeout: timeout, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Timeout returns the configured budget.
func (p *TimeoutPolicy) Timeout() time.Duration {
	return p.timeout
}

func (p *TimeoutPolicy) Open(parent *Context) *Context {
	c := newContext(parent, variantTimeout)
	c.timeout = &timeoutState{start: p.now()}
	return c
}

func (p *TimeoutPolicy) CanRetry(c *Context) bool {
	c.mustBe(variantTimeout)
	if c.IsExhaustedOnly() {
		return false
	}
	return p.now().Sub(c.timeout.start) <= p.timeout
}

func (p *TimeoutPolicy) RegisterError(c *Context, err error) {
	c.mustBe(variantTimeout)
	c.RegisterError(err)
}

func (p *TimeoutPolicy) Close(c *Context) error {
	return nil
}

func (p *TimeoutPolicy) String() string {
	return fmt.Sprintf("TimeoutPolicy[timeout=%s]", p.timeout)
}
