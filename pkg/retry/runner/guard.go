package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"retrykit/pkg/retry"
)

// ErrRejected is returned by Guard.Do when the policy refuses the call.
var ErrRejected = errors.New("retry: call rejected")

// Guard shares one retry context across independent calls. It is meant for
// stateful policies such as retry.CircuitBreakerPolicy, where the decision
// for a call depends on the failures of earlier calls.
type Guard struct {
	policy retry.Policy
	rc     *retry.Context
	name   string
	log    *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardName labels the shared context with retry.AttrName.
func WithGuardName(name string) GuardOption {
	return func(g *Guard) {
		g.name = name
	}
}

// WithGuardLogger sets the logger.
func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// NewGuard opens the shared context of policy.
func NewGuard(policy retry.Policy, opts ...GuardOption) *Guard {
	g := &Guard{policy: policy, log: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	g.rc = policy.Open(nil)
	if g.name != "" {
		g.rc.SetAttribute(retry.AttrName, g.name)
	}
	return g
}

// Do makes a single attempt of fn if the policy allows it. A failure is
// registered into the shared context and returned as is; a success clears
// the last failure. A call cancelled by the caller is not registered. A
// refused call returns an error wrapping ErrRejected and the last registered
// failure.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !g.policy.CanRetry(g.rc) {
		last := g.rc.LastError()
		g.log.Debug("call rejected", slog.String("name", g.name), slog.Any("last_error", last))
		if last == nil {
			return fmt.Errorf("%w: %s", ErrRejected, g.label())
		}
		return fmt.Errorf("%w: %s: %w", ErrRejected, g.label(), last)
	}

	err := fn(retry.WithContext(ctx, g.rc))
	if err != nil && canceled(ctx, err) {
		g.log.Debug("call canceled", slog.String("name", g.name), slog.Any("error", err))
		return err
	}
	g.policy.RegisterError(g.rc, err)
	return err
}

func canceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}

func (g *Guard) label() string {
	if g.name == "" {
		return "guard"
	}
	return g.name
}

// Context returns the shared retry context.
func (g *Guard) Context() *retry.Context {
	return g.rc
}

// Snapshot captures the shared context.
func (g *Guard) Snapshot() retry.Snapshot {
	return g.rc.Snapshot()
}

// Close releases the shared context. Later calls return the first result.
func (g *Guard) Close() error {
	g.closeOnce.Do(func() {
		g.closeErr = g.policy.Close(g.rc)
		g.rc.SetAttribute(retry.AttrClosed, true)
	})
	return g.closeErr
}
