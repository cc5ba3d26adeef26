// Package config loads the server configuration from a YAML file, an
// optional .env file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"docjobs/internal/convert"
	"docjobs/internal/queue"
	"docjobs/internal/retry"
	"docjobs/internal/scheduler"
	"docjobs/internal/webhook"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// StoreConfig selects and configures the persistence adapter.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
	PostgresURL string `yaml:"postgres_url"`
}

// TaskOverride replaces the registered settings of one task type.
type TaskOverride struct {
	Type    string        `yaml:"type"`
	Queue   string        `yaml:"queue"`
	Retry   retry.Policy  `yaml:"retry"`
	Timeout time.Duration `yaml:"timeout"`
}

// SchedulerConfig configures recurring jobs.
type SchedulerConfig struct {
	Tick     time.Duration   `yaml:"tick"`
	Lookback time.Duration   `yaml:"lookback"`
	Jobs     []scheduler.Job `yaml:"jobs"`
}

// WebhookConfig configures outbound webhook delivery.
type WebhookConfig struct {
	Delivery      webhook.Config         `yaml:"delivery"`
	Subscriptions []webhook.Subscription `yaml:"subscriptions"`
}

// NtfyConfig holds the ntfy configuration.
type NtfyConfig struct {
	ServerURL string `yaml:"server_url"`
	Topic     string `yaml:"topic"`
	Token     string `yaml:"token"`
	// AlertTopic receives dead-letter alerts. Empty disables them.
	AlertTopic string `yaml:"alert_topic"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Environment string `yaml:"environment"`
}

// Config holds the application configuration.
type Config struct {
	Store           StoreConfig        `yaml:"store"`
	APIPort         int                `yaml:"api_port"`
	MetricsPort     int                `yaml:"metrics_port"`
	LogLevel        string             `yaml:"log_level"`
	LogFormat       string             `yaml:"log_format"`
	ShutdownTimeout time.Duration      `yaml:"shutdown_timeout"`
	IdempotencyTTL  time.Duration      `yaml:"idempotency_ttl"`
	Queues          []queue.Descriptor `yaml:"queues"`
	Tasks           []TaskOverride     `yaml:"tasks"`
	Scheduler       SchedulerConfig    `yaml:"scheduler"`
	Webhooks        WebhookConfig      `yaml:"webhooks"`
	Converter       convert.Config     `yaml:"converter"`
	Ntfy            NtfyConfig         `yaml:"ntfy"`
	Tracing         TracingConfig      `yaml:"tracing"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Store:           StoreConfig{Driver: DriverMemory, RedisAddr: "localhost:6379", RedisPrefix: "docjobs"},
		APIPort:         8080,
		MetricsPort:     9090,
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 30 * time.Second,
		IdempotencyTTL:  24 * time.Hour,
		Queues: []queue.Descriptor{
			{Name: "default", Concurrency: 4},
			{Name: "convert", Concurrency: 2, Priority: 10},
			{Name: "video", Concurrency: 1, Priority: 5},
			{Name: "maintenance", Concurrency: 1},
		},
		Scheduler: SchedulerConfig{
			Tick:     scheduler.DefaultTick,
			Lookback: scheduler.DefaultLookback,
			Jobs: []scheduler.Job{
				{Name: "cleanup", Cron: "0 3 * * *", TaskType: "maintenance.cleanup"},
			},
		},
		Webhooks: WebhookConfig{Delivery: webhook.DefaultConfig()},
		Converter: convert.Config{
			Timeout:     2 * time.Minute,
			MaxAttempts: 3,
		},
		Tracing: TracingConfig{Endpoint: "localhost:4318", Environment: "development"},
	}
}

// Load loads the configuration from path and the environment. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func applyEnv(config *Config) error {
	stringVars := map[string]*string{
		"DOCJOBS_STORE_DRIVER":            &config.Store.Driver,
		"DOCJOBS_REDIS_ADDR":              &config.Store.RedisAddr,
		"DOCJOBS_POSTGRES_URL":            &config.Store.PostgresURL,
		"LOG_LEVEL":                       &config.LogLevel,
		"LOG_FORMAT":                      &config.LogFormat,
		"NTFY_SERVER_URL":                 &config.Ntfy.ServerURL,
		"NTFY_TOPIC":                      &config.Ntfy.Topic,
		"NTFY_TOKEN":                      &config.Ntfy.Token,
		"DOCJOBS_CONVERTER_URL":           &config.Converter.URL,
		"DOCJOBS_CONVERTER_CLIENT_SECRET": &config.Converter.ClientSecret,
	}
	for name, dst := range stringVars {
		if v, exists := os.LookupEnv(name); exists {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"DOCJOBS_API_PORT":     &config.APIPort,
		"DOCJOBS_METRICS_PORT": &config.MetricsPort,
	}
	for name, dst := range intVars {
		if v, exists := os.LookupEnv(name); exists {
			val, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s must be an integer: %w", name, err)
			}
			*dst = val
		}
	}

	if endpoint, exists := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); exists {
		config.Tracing.Endpoint = endpoint
		config.Tracing.Enabled = endpoint != ""
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("store.postgres_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	for name, port := range map[string]int{"api_port": c.APIPort, "metrics_port": c.MetricsPort} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	if c.APIPort == c.MetricsPort {
		errs = append(errs, errors.New("api_port and metrics_port must differ"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("idempotency_ttl must be positive"))
	}

	queues := make(map[string]bool, len(c.Queues))
	if len(c.Queues) == 0 {
		errs = append(errs, errors.New("at least one queue is required"))
	}
	for _, q := range c.Queues {
		if err := q.Validate(); err != nil {
			errs = append(errs, err)
		}
		if queues[q.Name] {
			errs = append(errs, fmt.Errorf("queue %q declared twice", q.Name))
		}
		queues[q.Name] = true
	}
	for _, o := range c.Tasks {
		if o.Type == "" {
			errs = append(errs, errors.New("task override without type"))
		}
		if o.Queue != "" && !queues[o.Queue] {
			errs = append(errs, fmt.Errorf("task %q: unknown queue %q", o.Type, o.Queue))
		}
		if err := o.Retry.ValidatePartial(); err != nil {
			errs = append(errs, fmt.Errorf("task %q: %w", o.Type, err))
		}
	}

	if c.Scheduler.Tick <= 0 {
		errs = append(errs, errors.New("scheduler.tick must be positive"))
	}
	if err := c.Webhooks.Delivery.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, sub := range c.Webhooks.Subscriptions {
		if err := sub.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("webhook subscription %q: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}
