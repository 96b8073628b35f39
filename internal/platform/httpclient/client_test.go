package httpclient_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retrykit/internal/platform/httpclient"
	"retrykit/internal/shared"
	"retrykit/pkg/retry"
	"retrykit/pkg/retry/backoff"
	"retrykit/pkg/retry/runner"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingWaiter struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (w *recordingWaiter) Wait(_ context.Context, d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waits = append(w.waits, d)
	return nil
}

func (w *recordingWaiter) all() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Duration(nil), w.waits...)
}

// statusSequence serves the given statuses in order and 200 afterwards.
func statusSequence(t *testing.T, attempts *int32, statuses ...int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(attempts, 1))
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Do_RetryableStatuses(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"internal server error", http.StatusInternalServerError},
		{"request timeout", http.StatusRequestTimeout},
		{"misdirected request", http.StatusMisdirectedRequest},
		{"too early", http.StatusTooEarly},
		{"too many requests", http.StatusTooManyRequests},
		{"bad gateway", http.StatusBadGateway},
		{"service unavailable", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			srv := statusSequence(t, &attempts, tt.status)

			c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithRetries(1))
			resp, err := c.Get(context.Background(), srv.URL)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
		})
	}
}

func TestClient_Do_NoRetryOn4xx(t *testing.T) {
	var attempts int32
	srv := statusSequence(t, &attempts, http.StatusNotFound)

	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithRetries(3))
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClient_Do_Exhausted(t *testing.T) {
	var attempts int32
	srv := statusSequence(t, &attempts,
		http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable)

	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithRetries(2))
	resp, err := c.Get(context.Background(), srv.URL)
	assert.Nil(t, resp)

	var exhausted *runner.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Equal(t, shared.KindUnavailable, shared.KindOf(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestClient_Do_DefaultDoesNotRetry(t *testing.T) {
	var attempts int32
	srv := statusSequence(t, &attempts, http.StatusInternalServerError)

	c := httpclient.New(httpclient.WithLogger(quietLogger()))
	_, err := c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, shared.HasKind(err, shared.KindDependencyFailure))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClient_Do_RetryAfter(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	waiter := &recordingWaiter{}
	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		httpclient.WithRetries(1),
		httpclient.WithWaiter(waiter),
		httpclient.WithBackOff(backoff.NewFixedPolicy(time.Hour).WithWaiter(waiter)),
	)
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, []time.Duration{2 * time.Second}, waiter.all())
}

func TestClient_Do_RetryAfterBeyondDeadline(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithRetries(3))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err := c.Get(ctx, srv.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, backoff.ErrInterrupted)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestClient_Do_ExponentialBackOff(t *testing.T) {
	var attempts int32
	srv := statusSequence(t, &attempts,
		http.StatusInternalServerError, http.StatusInternalServerError, http.StatusInternalServerError)

	waiter := &recordingWaiter{}
	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		httpclient.WithRetries(3),
		httpclient.WithBackOff(backoff.NewExponentialPolicy(100*time.Millisecond, 2, time.Second).WithWaiter(waiter)),
	)
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, waiter.all())
}

func TestClient_Do_RetryPolicy(t *testing.T) {
	var attempts int32
	srv := statusSequence(t, &attempts,
		http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway, http.StatusBadGateway)

	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		httpclient.WithRetryPolicy(retry.NewSimplePolicy(5, retry.WithClassifier(httpclient.Classifier()))),
	)
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, int32(5), atomic.LoadInt32(&attempts))
}

func TestClient_Do_MaxRetryDuration(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		httpclient.WithRetries(1000),
		httpclient.WithBackOff(backoff.NewFixedPolicy(20*time.Millisecond)),
		httpclient.WithMaxRetryDuration(150*time.Millisecond),
	)
	_, err := c.Get(context.Background(), srv.URL)

	var exhausted *runner.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Less(t, atomic.LoadInt32(&attempts), int32(20))
	assert.Greater(t, atomic.LoadInt32(&attempts), int32(1))
}

func TestClient_Do_NetworkError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var calls int32
	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		httpclient.WithRetries(2),
		httpclient.WithTransport(rtFunc(func(r *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return http.DefaultTransport.RoundTrip(r)
		})),
	)
	_, err = c.Get(context.Background(), "http://"+addr)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "connection refused is retried")
}

func TestClient_Do_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithRetries(3))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := c.Get(ctx, srv.URL)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_Do_RetryBody(t *testing.T) {
	var attempts int32
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithRetries(1))
	req, err := http.NewRequest(http.MethodPut, srv.URL, io.NopCloser(strings.NewReader("payload")))
	require.NoError(t, err)

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, []string{"payload", "payload"}, bodies)
}

type trackedBody struct {
	io.Reader
	closed bool
	err    error
}

func (b *trackedBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	return b.Reader.Read(p)
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

func TestClient_Do_BodyTooLarge(t *testing.T) {
	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithMaxReplayBodySize(4))
	body := &trackedBody{Reader: bytes.NewReader([]byte("too large"))}
	req, err := http.NewRequest(http.MethodPut, "http://example.invalid", body)
	require.NoError(t, err)

	_, err = c.Do(context.Background(), req)
	assert.ErrorIs(t, err, httpclient.ErrReplayBodyTooLarge)
	assert.True(t, body.closed, "body is closed when it cannot be replayed")
}

func TestClient_Do_BodyReadError(t *testing.T) {
	errRead := errors.New("read failed")
	c := httpclient.New(httpclient.WithLogger(quietLogger()))
	body := &trackedBody{Reader: strings.NewReader("payload"), err: errRead}
	req, err := http.NewRequest(http.MethodPut, "http://example.invalid", body)
	require.NoError(t, err)

	_, err = c.Do(context.Background(), req)
	assert.ErrorIs(t, err, errRead)
	assert.True(t, body.closed)
}

func TestClient_Do_PostRetries(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		opts     []httpclient.Option
		expected int32
	}{
		{"post without idempotency key", "", nil, 1},
		{"post with idempotency key", "abc", nil, 2},
		{"post with non idempotent retries", "", []httpclient.Option{httpclient.WithRetryNonIdempotent(true)}, 2},
		{"post as retry method", "", []httpclient.Option{httpclient.WithRetryMethods(http.MethodPost)}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			srv := statusSequence(t, &attempts, http.StatusInternalServerError)

			opts := append([]httpclient.Option{httpclient.WithLogger(quietLogger()), httpclient.WithRetries(1)}, tt.opts...)
			c := httpclient.New(opts...)
			req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("x"))
			require.NoError(t, err)
			if tt.key != "" {
				req.Header.Set("Idempotency-Key", tt.key)
			}

			resp, err := c.Do(context.Background(), req)
			if err == nil {
				resp.Body.Close()
			}
			assert.Equal(t, tt.expected, atomic.LoadInt32(&attempts))
		})
	}
}

func TestClient_Do_Headers(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	c := httpclient.New(
		httpclient.WithLogger(quietLogger()),
		httpclient.WithHeaders(map[string]string{"X-Probe": "default", "X-Drop": "1", "X-Keep": "client"}),
		httpclient.WithoutHeaders("X-Drop"),
	)
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("X-Keep", "request")

	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "default", got.Get("X-Probe"))
	assert.Empty(t, got.Get("X-Drop"))
	assert.Equal(t, "request", got.Get("X-Keep"))
}

func TestClient_Do_URLRedactor(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(&lockedWriter{w: &buf, mu: &mu}, nil))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := httpclient.New(
		httpclient.WithLogger(logger),
		httpclient.WithURLRedactor(func(u *url.URL) string { return u.Host + "/[hidden]" }),
	)
	resp, err := c.Get(context.Background(), srv.URL+"/secret?token=abc")
	require.NoError(t, err)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), "/[hidden]")
	assert.NotContains(t, buf.String(), "token=abc")
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type rtFunc func(*http.Request) (*http.Response, error)

func (f rtFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type closingRT struct {
	http.RoundTripper
	closed atomic.Bool
}

func (c *closingRT) CloseIdleConnections() { c.closed.Store(true) }

func TestClient_Do_421ClosesIdle(t *testing.T) {
	var attempts int32
	srv := statusSequence(t, &attempts, http.StatusMisdirectedRequest)

	rt := &closingRT{RoundTripper: http.DefaultTransport}
	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithRetries(1), httpclient.WithTransport(rt))
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, rt.closed.Load())
}

func TestClient_Do_ReusesConnection(t *testing.T) {
	var attempts int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("fail"))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewUnstartedServer(handler)
	var conns int32
	srv.Config.ConnState = func(c net.Conn, s http.ConnState) {
		if s == http.StateNew {
			atomic.AddInt32(&conns, 1)
		}
	}
	srv.Start()
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithRetries(1))
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Equal(t, int32(1), atomic.LoadInt32(&conns))
}

func TestClient_Do_Parallel(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&count, 1)%5 == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithRetries(2))
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Get(context.Background(), srv.URL)
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(20))
}

func TestClient_Do_TransportMiddleware(t *testing.T) {
	var attempts int32
	srv := statusSequence(t, &attempts, http.StatusServiceUnavailable)

	var order []string
	var mu sync.Mutex
	mw := func(name string) func(http.RoundTripper) http.RoundTripper {
		return func(next http.RoundTripper) http.RoundTripper {
			return rtFunc(func(r *http.Request) (*http.Response, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next.RoundTrip(r)
			})
		}
	}

	c := httpclient.New(httpclient.WithLogger(quietLogger()), httpclient.WithRetries(1),
		httpclient.WithTransportMiddleware(mw("outer")),
		httpclient.WithTransportMiddleware(mw("inner")),
	)
	resp, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []string{"outer", "inner", "outer", "inner"}, order)
}
