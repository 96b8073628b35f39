// Package httpapi serves the read-only view of the prober over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"retrykit/internal/probe"
)

// Prober is the part of probe.Prober the API needs.
type Prober interface {
	Status() probe.Status
	Check(ctx context.Context, runID string) probe.Result
}

type errorBody struct {
	Error string `json:"error"`
}

// Server exposes /healthz, /status, POST /probe and optionally /metrics.
type Server struct {
	srv     *http.Server
	engine  *gin.Engine
	prober  Prober
	log     *slog.Logger
	limiter *RateLimiter
	timeout time.Duration
	metrics prometheus.Gatherer
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithRateLimiter limits manual probe triggers.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) {
		if rl != nil {
			s.limiter = rl
		}
	}
}

// WithMetrics serves g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = g
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New builds the server and its routes.
func New(addr string, p Prober, opts ...Option) *Server {
	s := &Server{
		prober:  p,
		log:     slog.Default(),
		limiter: NewRateLimiter(time.Second),
		timeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))
	r.GET("/healthz", s.healthz)
	r.GET("/status", s.status)
	r.POST("/probe", s.limiter.Middleware(), s.check)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))
	}

	s.engine = r
	s.srv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.prober.Status())
}

func (s *Server) check(c *gin.Context) {
	res := s.prober.Check(c.Request.Context(), c.GetHeader("X-Request-Id"))
	code := http.StatusOK
	switch {
	case res.Rejected:
		code = http.StatusServiceUnavailable
	case !res.OK():
		code = http.StatusBadGateway
	}
	c.JSON(code, res)
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := time.Now()
		c.Next()
		log.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("dur", time.Since(st)),
			slog.String("client", c.ClientIP()),
		)
	}
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
