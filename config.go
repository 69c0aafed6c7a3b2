package apflow

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "APFLOW_"

type Config struct {
	DatabaseURL           string        `yaml:"database_url"`
	PostgresSchema        string        `yaml:"postgres_schema"`
	RedisURL              string        `yaml:"redis_url"`
	LogLevel              string        `yaml:"log_level"`
	LogFormat             string        `yaml:"log_format"`
	LeaseTTL              time.Duration `yaml:"lease_ttl"`
	StageTimeout          time.Duration `yaml:"stage_timeout"`
	MatchThreshold        float64       `yaml:"match_threshold"`
	TwoWayTolerancePct    float64       `yaml:"two_way_tolerance_pct"`
	AutoApprovalThreshold float64       `yaml:"auto_approval_threshold"`
	RecoveryWorkers       int           `yaml:"recovery_workers"`
	RecoveryInterval      time.Duration `yaml:"recovery_interval"`
}

func DefaultConfig() Config {
	return Config{
		DatabaseURL:           "sqlite://apflow.db",
		PostgresSchema:        DefaultSchema,
		LogLevel:              "info",
		LogFormat:             "text",
		LeaseTTL:              DefaultLeaseTTL,
		StageTimeout:          DefaultStageTimeout,
		MatchThreshold:        0.90,
		TwoWayTolerancePct:    5.0,
		AutoApprovalThreshold: 20000,
		RecoveryWorkers:       1,
		RecoveryInterval:      30 * time.Second,
	}
}

// LoadConfig reads path (optional) over the defaults, then applies APFLOW_* environment
// overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	float := func(name string, dst *float64) error {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return nil
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = parsed

		return nil
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return nil
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = parsed

		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = parsed

		return nil
	}

	str("DATABASE_URL", &cfg.DatabaseURL)
	str("POSTGRES_SCHEMA", &cfg.PostgresSchema)
	str("REDIS_URL", &cfg.RedisURL)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	return errors.Join(
		float("MATCH_THRESHOLD", &cfg.MatchThreshold),
		float("TWO_WAY_TOLERANCE_PCT", &cfg.TwoWayTolerancePct),
		float("AUTO_APPROVAL_THRESHOLD", &cfg.AutoApprovalThreshold),
		integer("RECOVERY_WORKERS", &cfg.RecoveryWorkers),
		duration("LEASE_TTL", &cfg.LeaseTTL),
		duration("STAGE_TIMEOUT", &cfg.StageTimeout),
		duration("RECOVERY_INTERVAL", &cfg.RecoveryInterval),
	)
}

func (cfg Config) Validate() error {
	var errs []error
	if cfg.MatchThreshold < 0 || cfg.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("match_threshold must be within [0, 1], got %v", cfg.MatchThreshold))
	}
	if cfg.TwoWayTolerancePct < 0 {
		errs = append(errs, fmt.Errorf("two_way_tolerance_pct must not be negative, got %v", cfg.TwoWayTolerancePct))
	}
	if cfg.AutoApprovalThreshold < 0 {
		errs = append(errs, fmt.Errorf("auto_approval_threshold must not be negative, got %v", cfg.AutoApprovalThreshold))
	}
	if cfg.LeaseTTL <= 0 {
		errs = append(errs, errors.New("lease_ttl must be positive"))
	}
	if cfg.StageTimeout <= 0 {
		errs = append(errs, errors.New("stage_timeout must be positive"))
	}
	if cfg.LeaseTTL > 0 && cfg.StageTimeout >= cfg.LeaseTTL {
		errs = append(errs, fmt.Errorf("stage_timeout (%s) must be shorter than lease_ttl (%s)",
			cfg.StageTimeout, cfg.LeaseTTL))
	}
	if cfg.RecoveryWorkers < 0 {
		errs = append(errs, fmt.Errorf("recovery_workers must not be negative, got %d", cfg.RecoveryWorkers))
	}
	if cfg.RecoveryWorkers > 0 && cfg.RecoveryInterval <= 0 {
		errs = append(errs, errors.New("recovery_interval must be positive when recovery workers are enabled"))
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", cfg.LogFormat))
	}

	return errors.Join(errs...)
}

func (cfg Config) Logger() *slog.Logger {
	level, _ := ParseLogLevel(cfg.LogLevel)
	if cfg.LogFormat == "json" {
		return NewJSONLogger(os.Stdout, level)
	}

	return NewLogger(level)
}

func (cfg Config) EngineOptions() []EngineOption {
	return []EngineOption{
		WithEngineLogger(cfg.Logger()),
		WithEngineLeaseTTL(cfg.LeaseTTL),
		WithEngineStageTimeout(cfg.StageTimeout),
	}
}

// RecoveryPool returns the recovery worker pool configured by recovery_workers and
// recovery_interval, or nil when recovery is disabled.
func (cfg Config) RecoveryPool(engine *Engine) *WorkerPool {
	if cfg.RecoveryWorkers <= 0 {
		return nil
	}

	return NewWorkerPool(engine, cfg.RecoveryWorkers, cfg.RecoveryInterval)
}
