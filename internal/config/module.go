package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Decision  DecisionConfig  `yaml:"decision"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Retry     RetryConfig     `yaml:"retry"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Exception ExceptionConfig `yaml:"exception"`
	Notify    NotifyConfig    `yaml:"notify"`
	Audit     AuditConfig     `yaml:"audit"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type DecisionConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MaxConcurrentRuns int           `yaml:"max_concurrent_runs"`
}

type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

type ApprovalConfig struct {
	EscalationInterval time.Duration  `yaml:"escalation_interval"`
	Ladder             []ApprovalTier `yaml:"ladder"`
}

type ApprovalTier struct {
	Ceiling float64  `yaml:"ceiling"`
	Roles   []string `yaml:"roles"`
}

type ExceptionConfig struct {
	ConfidenceCutoff int `yaml:"confidence_cutoff"`
}

type NotifyConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type AuditConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8100,
		},
		Decision: DecisionConfig{
			BaseURL: "http://decision-service:8200",
			Model:   "default",
			Timeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval:          60 * time.Second,
			MaxConcurrentRuns: 5,
		},
		Breaker: BreakerConfig{
			Threshold: 3,
			Cooldown:  5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 30 * time.Second,
		},
		Approval: ApprovalConfig{
			EscalationInterval: 4 * time.Hour,
			Ladder: []ApprovalTier{
				{Ceiling: 1000, Roles: []string{"supervisor"}},
				{Ceiling: 10000, Roles: []string{"manager"}},
				{Ceiling: 100000, Roles: []string{"director"}},
				{Ceiling: 0, Roles: []string{"executive"}}, // no ceiling
			},
		},
		Exception: ExceptionConfig{
			ConfidenceCutoff: 80,
		},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_DECISION_BASE_URL")); v != "" {
		cfg.Decision.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_DECISION_MODEL")); v != "" {
		cfg.Decision.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_NOTIFY_BASE_URL")); v != "" {
		cfg.Notify.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SCHEDULER_INTERVAL")); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Interval = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_MAX_CONCURRENT_RUNS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxConcurrentRuns = parsed
		}
	}

	return cfg, nil
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}
