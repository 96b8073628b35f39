package retry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Well-known attribute keys readable through Context.Attribute.
const (
	// AttrName labels the sequence, usually with the operation name.
	AttrName = "context.name"
	// AttrClosed is set once the owning policy closed the context.
	AttrClosed = "context.closed"
	// AttrRecovered is set when a recovery callback handled the final failure.
	AttrRecovered = "context.recovered"
	// AttrExhausted reports that no further attempts will be made.
	AttrExhausted = "context.exhausted"
	// AttrCircuitOpen reports whether a circuit breaker is short-circuiting.
	AttrCircuitOpen = "circuit.open"
	// AttrCircuitShortCount is the number of consecutive short-circuited checks.
	AttrCircuitShortCount = "circuit.shortCount"
)

// variant tags the policy kind that opened a context.
type variant uint8

const (
	variantPlain variant = iota
	variantNever
	variantAlways
	variantSimple
	variantTimeout
	variantComposite
	variantCircuit
)

func (v variant) String() string {
	switch v {
	case variantNever:
		return "never"
	case variantAlways:
		return "always"
	case variantSimple:
		return "simple"
	case variantTimeout:
		return "timeout"
	case variantComposite:
		return "composite"
	case variantCircuit:
		return "circuit"
	default:
		return "plain"
	}
}

// Context is the mutable state of one retry sequence.
//
// A Context is created by Policy.Open and must not be reused across
// independent sequences. It is safe for concurrent use.
type Context struct {
	parent  *Context
	variant variant

	mu        sync.Mutex
	count     int
	lastErr   error
	exhausted bool
	attrs     map[string]any

	// variant state, set once by Open according to variant
	never     *neverState
	timeout   *timeoutState
	composite *compositeState
	circuit   *circuitState
}

// NewContext returns a plain context linked to parent.
// Policies outside this package use it to back their own sequences.
func NewContext(parent *Context) *Context {
	return newContext(parent, variantPlain)
}

func newContext(parent *Context, v variant) *Context {
	return &Context{parent: parent, variant: v}
}

// Parent returns the enclosing context, or nil.
func (c *Context) Parent() *Context {
	return c.parent
}

// RetryCount returns the number of failures registered so far.
func (c *Context) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// LastError returns the most recently registered failure.
func (c *Context) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// RegisterError records err as the last failure. A non-nil err increments
// the retry count; nil clears the last failure without counting.
func (c *Context) RegisterError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	if err != nil {
		c.count++
	}
}

// SetExhaustedOnly forces every policy to refuse further attempts for this
// context. It cannot be undone.
func (c *Context) SetExhaustedOnly() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exhausted = true
}

// IsExhaustedOnly reports whether SetExhaustedOnly was called.
func (c *Context) IsExhaustedOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// SetAttribute stores a free-form value under key. The circuit keys are
// derived from breaker state and cannot be overwritten.
func (c *Context) SetAttribute(key string, value any) {
	if key == AttrCircuitOpen || key == AttrCircuitShortCount {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attrs == nil {
		c.attrs = make(map[string]any)
	}
	c.attrs[key] = value
}

// Attribute looks up key, including the well-known derived keys.
func (c *Context) Attribute(key string) (any, bool) {
	switch key {
	case AttrCircuitOpen:
		if c.circuit == nil {
			return nil, false
		}
		return c.circuit.isOpenFlag(), true
	case AttrCircuitShortCount:
		if c.circuit == nil {
			return nil, false
		}
		return c.circuit.shortCount(), true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if key == AttrExhausted && c.exhausted {
		return true, true
	}
	v, ok := c.attrs[key]
	return v, ok
}

// HasAttribute reports whether key has a value.
func (c *Context) HasAttribute(key string) bool {
	_, ok := c.Attribute(key)
	return ok
}

// AttributeNames returns the sorted keys that currently have a value.
func (c *Context) AttributeNames() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.attrs)+3)
	for k := range c.attrs {
		names = append(names, k)
	}
	if c.exhausted {
		if _, ok := c.attrs[AttrExhausted]; !ok {
			names = append(names, AttrExhausted)
		}
	}
	c.mu.Unlock()

	if c.circuit != nil {
		names = append(names, AttrCircuitOpen, AttrCircuitShortCount)
	}
	sort.Strings(names)
	return names
}

// Name returns the AttrName label, or an empty string.
func (c *Context) Name() string {
	v, _ := c.Attribute(AttrName)
	s, _ := v.(string)
	return s
}

func (c *Context) flag(key string) bool {
	v, _ := c.Attribute(key)
	b, _ := v.(bool)
	return b
}

// Snapshot is a read-only view of a context for monitoring code.
type Snapshot struct {
	Name              string `json:"name,omitempty"`
	RetryCount        int    `json:"retry_count"`
	LastError         string `json:"last_error,omitempty"`
	Exhausted         bool   `json:"exhausted"`
	Closed            bool   `json:"closed"`
	Recovered         bool   `json:"recovered"`
	CircuitOpen       bool   `json:"circuit_open"`
	ShortCircuitCount int    `json:"short_circuit_count"`
}

// Snapshot captures the observable state of c.
func (c *Context) Snapshot() Snapshot {
	s := Snapshot{
		Name:       c.Name(),
		RetryCount: c.RetryCount(),
		Exhausted:  c.flag(AttrExhausted),
		Closed:     c.flag(AttrClosed),
		Recovered:  c.flag(AttrRecovered),
	}
	if err := c.LastError(); err != nil {
		s.LastError = err.Error()
	}
	if c.circuit != nil {
		s.CircuitOpen = c.circuit.isOpenFlag()
		s.ShortCircuitCount = c.circuit.shortCount()
	}
	return s
}

func (c *Context) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("[RetryContext: policy=%s, count=%d, lastError=%v, exhausted=%t]",
		c.variant, c.count, c.lastErr, c.exhausted)
}

// mustBe panics when a context opened by another kind of policy is used.
func (c *Context) mustBe(v variant) {
	if c == nil {
		panic(fmt.Sprintf("retry: nil context passed to %s policy", v))
	}
	if c.variant != v {
		panic(fmt.Sprintf("retry: %s context passed to %s policy", c.variant, v))
	}
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying rc as the active retry context.
func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the active retry context stored in ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*Context)
	return rc, ok && rc != nil
}
