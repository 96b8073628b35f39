package httpclient

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"strconv"
	"time"

	"retrykit/internal/shared"
	"retrykit/pkg/retry"
	"retrykit/pkg/retry/backoff"
)

// AttrRetryAfter holds the Retry-After delay of the last response on the
// retry context of a request.
const AttrRetryAfter = "http.retryAfter"

// StatusError reports a response whose status is worth another attempt.
type StatusError struct {
	Method     string
	URL        string
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.Code)
}

// newStatusError returns a StatusError marked with the kind of its status.
func newStatusError(method, u string, code int, retryAfter time.Duration) error {
	return shared.MarkKind(&StatusError{Method: method, URL: u, Code: code, RetryAfter: retryAfter}, statusKind(code))
}

func statusKind(code int) shared.Kind {
	switch code {
	case stdhttp.StatusMisdirectedRequest, stdhttp.StatusTooEarly:
		return shared.KindUnavailable
	default:
		return shared.KindOfStatus(code)
	}
}

func retryableStatus(code int) bool {
	switch statusKind(code) {
	case shared.KindTimeout, shared.KindRateLimited, shared.KindUnavailable, shared.KindDependencyFailure:
		return true
	default:
		return false
	}
}

// retryAfter parses Retry-After header value.
func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := stdhttp.ParseTime(h); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// retryAfterBackOff sleeps for the server's Retry-After hint when the last
// response carried one and falls back to inner otherwise.
type retryAfterBackOff struct {
	inner  backoff.Policy
	waiter backoff.Waiter
}

type retryAfterContext struct {
	inner backoff.Context
	rc    *retry.Context
}

func (b *retryAfterBackOff) Start(rc *retry.Context) backoff.Context {
	return &retryAfterContext{inner: b.inner.Start(rc), rc: rc}
}

func (b *retryAfterBackOff) BackOff(ctx context.Context, bc backoff.Context) error {
	c, ok := bc.(*retryAfterContext)
	if !ok {
		return backoff.ErrContextMismatch
	}

	v, _ := c.rc.Attribute(AttrRetryAfter)
	d, _ := v.(time.Duration)
	if d <= 0 {
		return b.inner.BackOff(ctx, c.inner)
	}
	c.rc.SetAttribute(AttrRetryAfter, time.Duration(0))

	// a hint beyond the deadline cannot be honoured
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < d {
		return fmt.Errorf("%w: %w", backoff.ErrInterrupted, context.DeadlineExceeded)
	}
	if err := b.waiter.Wait(ctx, d); err != nil {
		if errors.Is(err, backoff.ErrInterrupted) {
			return err
		}
		return fmt.Errorf("%w: %w", backoff.ErrInterrupted, err)
	}
	return nil
}
