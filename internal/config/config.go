package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// BackOff kinds accepted by BACKOFF_KIND.
const (
	BackOffNone              = "none"
	BackOffFixed             = "fixed"
	BackOffUniform           = "uniform"
	BackOffExponential       = "exponential"
	BackOffExponentialRandom = "exponential_random"
)

// Config holds application configuration values.
type Config struct {
	Env   string `validate:"required,oneof=dev prod"`
	Probe struct {
		Name     string        `validate:"required"`
		URL      string        `validate:"required,url"`
		Method   string        `validate:"required,oneof=GET HEAD"`
		Schedule string        `validate:"required"`
		Timeout  time.Duration `validate:"gt=0"`
	}
	Retry struct {
		MaxAttempts int           `validate:"min=1,max=100"`
		Budget      time.Duration `validate:"gt=0"`
		Optimistic  bool
	}
	BackOff struct {
		Kind       string        `validate:"required,oneof=none fixed uniform exponential exponential_random"`
		Initial    time.Duration `validate:"gt=0"`
		Multiplier float64       `validate:"gte=1"`
		Max        time.Duration `validate:"gtefield=Initial"`
	}
	Circuit struct {
		Enabled      bool
		MaxFailures  int           `validate:"min=1"`
		OpenWindow   time.Duration `validate:"gt=0"`
		ResetTimeout time.Duration `validate:"gt=0"`
	}
	HTTP struct {
		Addr string `validate:"required"`
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	p := &parser{}

	c.Env = getenv("ENV", "prod")

	c.Probe.Name = getenv("PROBE_NAME", "probe")
	c.Probe.URL = os.Getenv("PROBE_URL")
	c.Probe.Method = strings.ToUpper(getenv("PROBE_METHOD", "GET"))
	c.Probe.Schedule = getenv("PROBE_SCHEDULE", "@every 30s")
	c.Probe.Timeout = p.duration("PROBE_TIMEOUT", 5*time.Second)

	c.Retry.MaxAttempts = p.int("RETRY_MAX_ATTEMPTS", 3)
	c.Retry.Budget = p.duration("RETRY_BUDGET", 20*time.Second)
	c.Retry.Optimistic = p.bool("RETRY_OPTIMISTIC", false)

	c.BackOff.Kind = strings.ToLower(getenv("BACKOFF_KIND", BackOffExponentialRandom))
	c.BackOff.Initial = p.duration("BACKOFF_INITIAL", 100*time.Millisecond)
	c.BackOff.Multiplier = p.float("BACKOFF_MULTIPLIER", 2)
	c.BackOff.Max = p.duration("BACKOFF_MAX", 5*time.Second)

	c.Circuit.Enabled = p.bool("CIRCUIT_ENABLED", true)
	c.Circuit.MaxFailures = p.int("CIRCUIT_MAX_FAILURES", 3)
	c.Circuit.OpenWindow = p.duration("CIRCUIT_OPEN_WINDOW", 5*time.Second)
	c.Circuit.ResetTimeout = p.duration("CIRCUIT_RESET_TIMEOUT", 20*time.Second)

	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/retryprobe.log")

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if c.Circuit.Enabled && c.Circuit.ResetTimeout < c.Circuit.OpenWindow {
		return Config{}, errors.New("CIRCUIT_RESET_TIMEOUT must not be shorter than CIRCUIT_OPEN_WINDOW")
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// parser collects conversion errors so that every bad variable is reported at once.
type parser struct {
	errs []error
}

func (p *parser) fail(k, v string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %w", k, v, err))
}

func (p *parser) duration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(k, v, err)
		return def
	}
	return d
}

func (p *parser) int(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(k, v, err)
		return def
	}
	return n
}

func (p *parser) float(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(k, v, err)
		return def
	}
	return f
}

func (p *parser) bool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(k, v, err)
		return def
	}
	return b
}
