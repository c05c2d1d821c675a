// Package config loads the process settings from the environment and the game
// balance from YAML.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Runtime holds the process settings.
type Runtime struct {
	DBPath          string        `env:"ASCEND_DB_PATH"          envDefault:"data/ascend.db"`
	Port            int           `env:"ASCEND_PORT"             envDefault:"8080"`
	AdminKey        string        `env:"ASCEND_ADMIN_KEY"`
	CORSOrigin      string        `env:"ASCEND_CORS_ORIGIN"      envDefault:"*"`
	SaveDebounce    time.Duration `env:"ASCEND_SAVE_DEBOUNCE"    envDefault:"5s"`
	TickInterval    time.Duration `env:"ASCEND_TICK_INTERVAL"    envDefault:"50ms"`
	BalancePath     string        `env:"ASCEND_BALANCE_PATH"`
	LogLevel        string        `env:"ASCEND_LOG_LEVEL"        envDefault:"info"`
	RateLimit       float64       `env:"ASCEND_RATE_LIMIT"       envDefault:"5"`
	RateBurst       int           `env:"ASCEND_RATE_BURST"       envDefault:"10"`
	AnalyticsBuffer int           `env:"ASCEND_ANALYTICS_BUFFER" envDefault:"1024"`
	OTLPEndpoint    string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName     string        `env:"OTEL_SERVICE_NAME"       envDefault:"ascendd"`
}

// LoadRuntime reads Runtime from the process environment.
func LoadRuntime() (Runtime, error) {
	return parseRuntime(env.Options{})
}

// LoadRuntimeFrom reads Runtime from vars instead of the process environment.
func LoadRuntimeFrom(vars map[string]string) (Runtime, error) {
	return parseRuntime(env.Options{Environment: vars})
}

func parseRuntime(opts env.Options) (Runtime, error) {
	var r Runtime
	if err := env.ParseWithOptions(&r, opts); err != nil {
		return Runtime{}, fmt.Errorf("parse env: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Runtime{}, err
	}
	return r, nil
}

func (r Runtime) Validate() error {
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("port %d out of range", r.Port)
	}
	if r.TickInterval <= 0 {
		return fmt.Errorf("tick interval %s must be positive", r.TickInterval)
	}
	if r.SaveDebounce <= 0 {
		return fmt.Errorf("save debounce %s must be positive", r.SaveDebounce)
	}
	if r.RateLimit <= 0 || r.RateBurst <= 0 {
		return fmt.Errorf("rate limit %v/s burst %d must be positive", r.RateLimit, r.RateBurst)
	}
	if _, err := r.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (r Runtime) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(r.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", r.LogLevel, err)
	}
	return l, nil
}
