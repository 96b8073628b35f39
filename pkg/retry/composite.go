package retry

import "fmt"

type member struct {
	policy Policy
	ctx    *Context
}

type compositeState struct {
	members []member
}

// CompositePolicy combines several policies, each with its own child
// context. Pessimistic mode (the default) allows a retry only when every
// member does; optimistic mode when any member does.
type CompositePolicy struct {
	policies   []Policy
	optimistic bool
}

var _ Policy = (*CompositePolicy)(nil)

// CompositeOption configures a CompositePolicy.
type CompositeOption func(*CompositePolicy)

// Optimistic makes the composite retry while at least one member allows it.
func Optimistic() CompositeOption {
	return func(p *CompositePolicy) {
		p.optimistic = true
	}
}

// NewCompositePolicy returns a composite of policies in the given order.
func NewCompositePolicy(policies []Policy, opts ...CompositeOption) *CompositePolicy {
	p := &CompositePolicy{policies: append([]Policy(nil), policies...)}
	for _, o := range opts {
		o(p)
	}
	return p
}

// IsOptimistic reports the combination mode.
func (p *CompositePolicy) IsOptimistic() bool {
	return p.optimistic
}

func (p *CompositePolicy) Open(parent *Context) *Context {
	members := make([]member, len(p.policies))
	for i, policy := range p.policies {
		members[i] = member{policy: policy, ctx: policy.Open(parent)}
	}
	c := newContext(parent, variantComposite)
	c.composite = &compositeState{members: members}
	return c
}

func (p *CompositePolicy) CanRetry(c *Context) bool {
	c.mustBe(variantComposite)
	if c.IsExhaustedOnly() {
		return false
	}

	// every member is asked so stateful members keep their bookkeeping current
	retryable := !p.optimistic
	for _, m := range c.composite.members {
		ok := m.policy.CanRetry(m.ctx)
		if p.optimistic && ok {
			retryable = true
		}
		if !p.optimistic && !ok {
			retryable = false
		}
	}
	return retryable
}

func (p *CompositePolicy) RegisterError(c *Context, err error) {
	c.mustBe(variantComposite)
	for _, m := range c.composite.members {
		m.policy.RegisterError(m.ctx, err)
	}
	c.RegisterError(err)
}

// Close closes every member even when some fail and returns the first error.
func (p *CompositePolicy) Close(c *Context) error {
	c.mustBe(variantComposite)
	var first error
	for _, m := range c.composite.members {
		if err := closeMember(m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// closeMember turns a panicking member Close into an error so the remaining
// members are still closed.
func closeMember(m member) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retry: close panicked: %v", r)
		}
	}()
	return m.policy.Close(m.ctx)
}

func (p *CompositePolicy) String() string {
	return fmt.Sprintf("CompositePolicy[members=%d, optimistic=%t]", len(p.policies), p.optimistic)
}
