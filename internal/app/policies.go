package app

import (
	"log/slog"
	"time"

	"retrykit/internal/config"
	"retrykit/internal/platform/httpclient"
	"retrykit/pkg/retry"
	"retrykit/pkg/retry/backoff"
)

// RetryPolicy bounds one probe by attempts and by total time.
func RetryPolicy(cfg config.Config) retry.Policy {
	var opts []retry.CompositeOption
	if cfg.Retry.Optimistic {
		opts = append(opts, retry.Optimistic())
	}
	return retry.NewCompositePolicy([]retry.Policy{
		retry.NewSimplePolicy(cfg.Retry.MaxAttempts, retry.WithClassifier(httpclient.Classifier())),
		retry.NewTimeoutPolicy(cfg.Retry.Budget),
	}, opts...)
}

// BackOffPolicy paces the attempts of one probe.
func BackOffPolicy(cfg config.Config) backoff.Policy {
	b := cfg.BackOff
	switch b.Kind {
	case config.BackOffNone:
		return backoff.NoBackOff{}
	case config.BackOffFixed:
		return backoff.NewFixedPolicy(b.Initial)
	case config.BackOffUniform:
		return backoff.NewUniformRandomPolicy(b.Initial, b.Max)
	case config.BackOffExponential:
		return backoff.NewExponentialPolicy(b.Initial, b.Multiplier, b.Max)
	default:
		return backoff.NewExponentialRandomPolicy(b.Initial, b.Multiplier, b.Max)
	}
}

// GuardPolicy is the circuit breaker shared by all probes, nil when
// disabled. The circuit opens once MaxFailures probes fail within the open
// window.
func GuardPolicy(cfg config.Config, log *slog.Logger) retry.Policy {
	c := cfg.Circuit
	if !c.Enabled {
		return nil
	}
	return retry.NewCircuitBreakerPolicy(retry.NewSimplePolicy(c.MaxFailures),
		retry.WithOpenWindow(c.OpenWindow),
		retry.WithResetTimeout(c.ResetTimeout),
		retry.WithCircuitLogger(log),
	)
}

// PlannedDelays lists the waits a sequence of n attempts would make without
// sleeping. Randomized policies report one possible draw; uniform policies
// report nil.
func PlannedDelays(p backoff.Policy, n int) []time.Duration {
	if n < 2 {
		return nil
	}
	out := make([]time.Duration, 0, n-1)
	switch p := p.(type) {
	case *backoff.ExponentialPolicy:
		ec := p.Start(nil).(*backoff.ExponentialContext)
		for range n - 1 {
			out = append(out, ec.Next())
		}
	case *backoff.FixedPolicy:
		for range n - 1 {
			out = append(out, p.Period())
		}
	case backoff.NoBackOff:
		for range n - 1 {
			out = append(out, 0)
		}
	default:
		return nil
	}
	return out
}
