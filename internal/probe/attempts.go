package probe

import (
	"context"
	stdhttp "net/http"
	"sync/atomic"
)

type attemptsKey struct{}

func withAttempts(ctx context.Context, n *atomic.Int32) context.Context {
	return context.WithValue(ctx, attemptsKey{}, n)
}

// countAttempts counts round trips of requests carrying a counter.
func countAttempts(next stdhttp.RoundTripper) stdhttp.RoundTripper {
	return &attemptCounter{next: next}
}

type attemptCounter struct {
	next stdhttp.RoundTripper
}

func (t *attemptCounter) RoundTrip(r *stdhttp.Request) (*stdhttp.Response, error) {
	if n, ok := r.Context().Value(attemptsKey{}).(*atomic.Int32); ok {
		n.Add(1)
	}
	return t.next.RoundTrip(r)
}

func (t *attemptCounter) CloseIdleConnections() {
	if c, ok := t.next.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
