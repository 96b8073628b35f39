package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"retrykit/internal/adapter/httpapi"
	"retrykit/internal/adapter/scheduler"
	"retrykit/internal/config"
	"retrykit/internal/platform/httpclient"
	"retrykit/internal/platform/logger"
	"retrykit/internal/probe"
)

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "retryprobe",
	})
	return NewWithConfig(cfg, log), nil
}

// NewWithConfig creates an App from ready configuration.
func NewWithConfig(cfg config.Config, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}
	return &App{cfg: cfg, log: log}
}

// Run probes the configured endpoint until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	retryPolicy := RetryPolicy(a.cfg)
	backOff := BackOffPolicy(a.cfg)
	guard := GuardPolicy(a.cfg, a.log)
	a.log.Info("starting",
		slog.String("url", a.cfg.Probe.URL),
		slog.String("schedule", a.cfg.Probe.Schedule),
		slog.Any("retry", retryPolicy),
		slog.Any("backoff", backOff),
		slog.Any("planned_delays", PlannedDelays(backOff, a.cfg.Retry.MaxAttempts)),
		slog.Bool("circuit", guard != nil),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	prober := probe.New(probe.Config{
		Name:    a.cfg.Probe.Name,
		URL:     a.cfg.Probe.URL,
		Method:  a.cfg.Probe.Method,
		Timeout: a.cfg.Probe.Timeout,
		Retry:   retryPolicy,
		BackOff: backOff,
		Guard:   guard,
	},
		probe.WithLogger(a.log),
		probe.WithRegisterer(reg),
		probe.WithClientOptions(httpclient.WithHeaders(map[string]string{"User-Agent": "retryprobe"})),
	)
	defer func() {
		if err := prober.Close(); err != nil {
			a.log.Warn("close prober", slog.Any("error", err))
		}
	}()

	sched := scheduler.NewWithContext(ctx, scheduler.Config{Logger: a.log})
	_, err := sched.AddWithOptions(a.cfg.Probe.Schedule, func(ctx context.Context) error {
		run, _ := scheduler.RunFromContext(ctx)
		prober.Check(ctx, run.ID)
		return nil
	}, scheduler.JobOptions{
		Name:          a.cfg.Probe.Name,
		Timeout:       a.cfg.Retry.Budget + a.cfg.Probe.Timeout,
		OverlapPolicy: scheduler.SkipIfRunning,
	})
	if err != nil {
		return fmt.Errorf("schedule probe: %w", err)
	}

	srv := httpapi.New(a.cfg.HTTP.Addr, prober, httpapi.WithLogger(a.log), httpapi.WithMetrics(reg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		a.log.Info("shutting down")

		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sched.StopContext(stopCtx); err != nil {
			a.log.Warn("stop scheduler", slog.Any("error", err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		a.log.Error("http server", slog.Any("error", err))
		return err
	}
	return nil
}

// Close releases the log file.
func (a *App) Close() error {
	return logger.Close(a.log)
}
