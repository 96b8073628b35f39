package retry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Circuit breaker defaults.
const (
	DefaultOpenWindow   = 5 * time.Second
	DefaultResetTimeout = 20 * time.Second
)

type circuitState struct {
	mu       sync.Mutex
	delegate *Context
	start    time.Time
	open     bool
	shorts   int
}

func (s *circuitState) isOpenFlag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *circuitState) shortCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shorts
}

func (s *circuitState) live() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}

// CircuitBreakerPolicy gates a delegate policy with a time-windowed circuit.
//
// While the delegate allows retries the circuit is closed and the delegate
// decides. When the delegate gives up within the open window the circuit
// opens and every check is refused without asking the delegate. Once the
// reset timeout has passed a fresh delegate context replaces the exhausted
// one. A healthy delegate context is also replaced whenever the open window
// expires, so old failures are forgotten.
type CircuitBreakerPolicy struct {
	delegate     Policy
	openWindow   time.Duration
	resetTimeout time.Duration
	now          Clock
	log          *slog.Logger
}

var _ Policy = (*CircuitBreakerPolicy)(nil)

// CircuitOption configures a CircuitBreakerPolicy.
type CircuitOption func(*CircuitBreakerPolicy)

// WithOpenWindow sets how long a closed circuit evaluates its delegate before
// the window is refreshed.
func WithOpenWindow(d time.Duration) CircuitOption {
	return func(p *CircuitBreakerPolicy) {
		if d > 0 {
			p.openWindow = d
		}
	}
}

// WithResetTimeout sets how long an open circuit stays open.
func WithResetTimeout(d time.Duration) CircuitOption {
	return func(p *CircuitBreakerPolicy) {
		if d > 0 {
			p.resetTimeout = d
		}
	}
}

// WithCircuitClock replaces time.Now.
func WithCircuitClock(now Clock) CircuitOption {
	return func(p *CircuitBreakerPolicy) {
		if now != nil {
			p.now = now
		}
	}
}

// WithCircuitLogger sets the logger used for state transitions.
func WithCircuitLogger(l *slog.Logger) CircuitOption {
	return func(p *CircuitBreakerPolicy) {
		if l != nil {
			p.log = l
		}
	}
}

// NewCircuitBreakerPolicy wraps delegate. A nil delegate selects
// NewSimplePolicy(DefaultMaxAttempts).
func NewCircuitBreakerPolicy(delegate Policy, opts ...CircuitOption) *CircuitBreakerPolicy {
	if delegate == nil {
		delegate = NewSimplePolicy(DefaultMaxAttempts)
	}
	p := &CircuitBreakerPolicy{
		delegate:     delegate,
		openWindow:   DefaultOpenWindow,
		resetTimeout: DefaultResetTimeout,
		now:          time.Now,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// OpenWindow returns the configured evaluation window.
func (p *CircuitBreakerPolicy) OpenWindow() time.Duration {
	return p.openWindow
}

// ResetTimeout returns how long the circuit stays open.
func (p *CircuitBreakerPolicy) ResetTimeout() time.Duration {
	return p.resetTimeout
}

func (p *CircuitBreakerPolicy) Open(parent *Context) *Context {
	c := newContext(parent, variantCircuit)
	c.circuit = &circuitState{
		delegate: p.delegate.Open(parent),
		start:    p.now(),
	}
	return c
}

func (p *CircuitBreakerPolicy) CanRetry(c *Context) bool {
	c.mustBe(variantCircuit)
	if c.IsExhaustedOnly() {
		return false
	}

	s := c.circuit
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.tripped(c, s) {
		s.shorts++
		return false
	}
	s.shorts = 0
	return p.delegate.CanRetry(s.delegate)
}

// tripped evaluates the state machine and reports whether the circuit is
// open. s.mu must be held.
func (p *CircuitBreakerPolicy) tripped(c *Context, s *circuitState) bool {
	now := p.now()
	elapsed := now.Sub(s.start)
	retryable := p.delegate.CanRetry(s.delegate)

	if !retryable {
		if elapsed > p.resetTimeout {
			p.log.Debug("circuit closing", slog.String("name", c.Name()), slog.Duration("elapsed", elapsed))
			s.delegate = p.delegate.Open(c.parent)
			s.start = now
			retryable = p.delegate.CanRetry(s.delegate)
		} else if elapsed < p.openWindow {
			if !s.open {
				p.log.Debug("circuit opening", slog.String("name", c.Name()), slog.Duration("elapsed", elapsed))
				s.open = true
				s.start = now
			}
			return true
		}
	} else if elapsed > p.openWindow {
		p.log.Debug("circuit window refreshed", slog.String("name", c.Name()), slog.Duration("elapsed", elapsed))
		s.start = now
		s.delegate = p.delegate.Open(c.parent)
	}

	s.open = !retryable
	return s.open
}

func (p *CircuitBreakerPolicy) RegisterError(c *Context, err error) {
	c.mustBe(variantCircuit)
	c.RegisterError(err)
	p.delegate.RegisterError(c.circuit.live(), err)
}

func (p *CircuitBreakerPolicy) Close(c *Context) error {
	c.mustBe(variantCircuit)
	return p.delegate.Close(c.circuit.live())
}

// DelegateContext returns the live delegate context of c, which changes when
// the circuit resets or its window is refreshed.
func (p *CircuitBreakerPolicy) DelegateContext(c *Context) *Context {
	c.mustBe(variantCircuit)
	return c.circuit.live()
}

func (p *CircuitBreakerPolicy) String() string {
	return fmt.Sprintf("CircuitBreakerPolicy[openWindow=%s, resetTimeout=%s, delegate=%v]",
		p.openWindow, p.resetTimeout, p.delegate)
}
