package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// JobFunc представляет функцию задачи планировщика. Контекст отменяется при
// остановке планировщика или по истечении таймаута задачи.
type JobFunc func(ctx context.Context) error

// JobID представляет идентификатор cron-задачи.
type JobID = cron.EntryID

// OverlapPolicy определяет политику обработки перекрывающихся выполнений задач.
type OverlapPolicy int

const (
	// AllowOverlap разрешает параллельное выполнение задач (по умолчанию).
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning пропускает выполнение, если задача уже запущена.
	SkipIfRunning
	// DelayIfRunning ждет завершения предыдущего выполнения.
	DelayIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case SkipIfRunning:
		return "skip"
	case DelayIfRunning:
		return "delay"
	default:
		return "allow"
	}
}

// JobOptions содержит опции для настройки задач.
type JobOptions struct {
	Name          string
	Timeout       time.Duration
	OverlapPolicy OverlapPolicy
}

// Run описывает одно выполнение задачи.
type Run struct {
	ID      string
	Job     string
	Started time.Time
}

type runKey struct{}

// RunFromContext возвращает выполнение, которому принадлежит контекст задачи.
func RunFromContext(ctx context.Context) (Run, bool) {
	r, ok := ctx.Value(runKey{}).(Run)
	return r, ok
}

// JobHooks содержит необязательные хуки для наблюдаемости.
type JobHooks struct {
	OnStart  func(run Run)
	OnFinish func(run Run, dur time.Duration, err error)
}

// Config содержит конфигурацию планировщика.
type Config struct {
	Logger *slog.Logger
	Hooks  JobHooks
	// Location по умолчанию time.Local.
	Location *time.Location
}

type job struct {
	fn   JobFunc
	opts JobOptions
}

// cronLogger адаптер для интеграции cron logger с slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append([]any{slog.Any("error", err)}, kv...)...)
}

// Scheduler управляет периодическими задачами.
type Scheduler struct {
	cron      *cron.Cron
	log       *slog.Logger
	cronLog   cron.Logger
	hooks     JobHooks
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
}

// New создает новый экземпляр планировщика с background контекстом.
func New(cfg Config) *Scheduler {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext создает новый экземпляр планировщика с указанным родительским контекстом.
// Расписания принимают необязательное поле секунд и дескрипторы вида
// "@every 30s" или "@hourly".
func NewWithContext(parent context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parent)

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	cl := cronLogger{log: log.With(slog.String("component", "cron"))}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithLogger(cl)),
		log:     log,
		cronLog: cl,
		hooks:   cfg.Hooks,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// Add добавляет задачу по cron-расписанию с опциями по умолчанию.
func (s *Scheduler) Add(schedule string, fn JobFunc) (JobID, error) {
	return s.AddWithOptions(schedule, fn, JobOptions{})
}

// AddWithOptions добавляет задачу по cron-расписанию с указанными опциями.
func (s *Scheduler) AddWithOptions(schedule string, fn JobFunc, opts JobOptions) (JobID, error) {
	if opts.Name == "" {
		opts.Name = "unnamed"
	}
	j := &job{fn: fn, opts: opts}

	var chain cron.Chain
	switch opts.OverlapPolicy {
	case SkipIfRunning:
		chain = cron.NewChain(cron.SkipIfStillRunning(s.cronLog))
	case DelayIfRunning:
		chain = cron.NewChain(cron.DelayIfStillRunning(s.cronLog))
	default:
		chain = cron.NewChain()
	}

	id, err := s.cron.AddJob(schedule, chain.Then(cron.FuncJob(func() { s.run(j) })))
	if err != nil {
		return 0, fmt.Errorf("scheduler: add %q: %w", opts.Name, err)
	}
	s.log.Info("job added", slog.String("name", opts.Name), slog.String("schedule", schedule), slog.String("overlap", opts.OverlapPolicy.String()), slog.Int("id", int(id)))
	return id, nil
}

// Remove удаляет задачу по ID. Текущие выполнения не прерываются.
func (s *Scheduler) Remove(id JobID) {
	s.cron.Remove(id)
	s.log.Info("job removed", slog.Int("id", int(id)))
}

// Next возвращает время следующего запуска задачи или нулевое время.
func (s *Scheduler) Next(id JobID) time.Time {
	return s.cron.Entry(id).Next
}

// Start запускает планировщик. Повторный вызов ничего не делает.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Info("scheduler started")
		s.cron.Start()
		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
	})
}

// Stop останавливает планировщик и ждет завершения всех задач.
func (s *Scheduler) Stop() {
	s.cancel()
	s.stopOnce.Do(s.stop)
	<-s.stopped
}

// StopContext останавливает планировщик с учетом контекста дедлайна.
// Если контекст истекает раньше, чем завершается graceful shutdown,
// планировщик все равно останавливается корректно.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.cancel()
	go s.stopOnce.Do(s.stop)

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop deadline exceeded")
		return ctx.Err()
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	close(s.stopped)
}

// IsRunning возвращает true, если планировщик не остановлен.
func (s *Scheduler) IsRunning() bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
		return true
	}
}

func (s *Scheduler) run(j *job) {
	if s.ctx.Err() != nil {
		return
	}
	r := Run{ID: uuid.NewString(), Job: j.opts.Name, Started: time.Now()}
	log := s.log.With(slog.String("job", r.Job), slog.String("run_id", r.ID))

	ctx := context.WithValue(s.ctx, runKey{}, r)
	if j.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.opts.Timeout)
		defer cancel()
	}

	if s.hooks.OnStart != nil {
		s.hooks.OnStart(r)
	}

	err := s.call(ctx, j.fn)
	dur := time.Since(r.Started)

	if s.hooks.OnFinish != nil {
		s.hooks.OnFinish(r, dur, err)
	}
	if err != nil {
		log.Error("job failed", slog.Duration("dur", dur), slog.Any("error", err))
		return
	}
	log.Debug("job done", slog.Duration("dur", dur))
}

// call выполняет fn и превращает панику в ошибку.
func (s *Scheduler) call(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("scheduler: job panicked: %v", p)
		}
	}()
	return fn(ctx)
}
