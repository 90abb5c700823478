package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/caretrail/auditcore/internal/infrastructure/cache"
	"github.com/caretrail/auditcore/internal/infrastructure/database"
	"github.com/caretrail/auditcore/internal/infrastructure/queue"
	"github.com/caretrail/auditcore/internal/infrastructure/telemetry"
	"github.com/caretrail/auditcore/internal/service/monitor"
)

// Secrets are environment-only: an unset secret disables the feature
// it guards rather than failing startup. Secret also accepts each name
// with an AUDIT_ prefix for deployments that namespace everything.
const (
	EnvLogLevel      = "LOG_LEVEL"
	EnvOTLPAPIKey    = "OTLP_API_KEY"
	EnvOTLPAuth      = "OTLP_AUTH_HEADER"
	EnvEncryptionKey = "KMS_ENCRYPTION_KEY"
	EnvSigningKey    = "KMS_SIGNING_KEY"
	EnvConfigSalt    = "AUDIT_CONFIG_SALT"
)

// Config is the root configuration tree.
type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Queue     QueueConfig              `koanf:"queue"`
	Database  database.Config          `koanf:"database"`
	Partition database.PartitionConfig `koanf:"partition"`
	Redis     cache.RedisConfig        `koanf:"redis"`
	Tracing   TracingConfig            `koanf:"tracing"`
	Monitor   MonitorConfig            `koanf:"monitor"`
	Signing   SigningConfig            `koanf:"signing"`
}

// QueueConfig groups the delivery-side settings.
type QueueConfig struct {
	Name      string                `koanf:"name"`
	Producer  queue.ProducerConfig  `koanf:"producer"`
	Processor queue.ProcessorConfig `koanf:"processor"`
	Retry     queue.RetryPolicy     `koanf:"retry"`
	Breaker   queue.BreakerConfig   `koanf:"breaker"`
}

// TracingConfig selects and tunes the span exporter.
type TracingConfig struct {
	// Exporter is console, otlp, jaeger, or zipkin.
	Exporter string                 `koanf:"exporter"`
	Tracer   telemetry.TracerConfig `koanf:"tracer"`
	OTLP     telemetry.OTLPConfig   `koanf:"otlp"`
	Endpoint string                 `koanf:"endpoint"`
}

// MonitorConfig groups detection and alerting settings.
type MonitorConfig struct {
	FailedAuth         monitor.FailedAuthConfig         `koanf:"failed_auth"`
	UnauthorizedAccess monitor.UnauthorizedAccessConfig `koanf:"unauthorized_access"`
	BulkExport         monitor.BulkExportConfig         `koanf:"bulk_export"`
	OffHours           monitor.OffHoursConfig           `koanf:"off_hours"`
	Alerts             monitor.AlertManagerConfig       `koanf:"alerts"`
	Webhook            monitor.WebhookConfig            `koanf:"webhook"`
	Email              monitor.EmailConfig              `koanf:"email"`
}

// SigningConfig selects the sealing strategy. HMAC and KMS signing are
// mutually exclusive; the matching env secret supplies the key.
type SigningConfig struct {
	// Mode is none, hmac, or kms.
	Mode      string `koanf:"mode"`
	KeyID     string `koanf:"key_id"`
	Algorithm string `koanf:"algorithm"`
}

// Load builds the configuration from defaults, an optional YAML file,
// and AUDIT_-prefixed environment variables, in ascending precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Queue: QueueConfig{
			Name: "audit-events",
			Processor: queue.ProcessorConfig{
				Queue:   "audit-events",
				Workers: 4,
			},
			Retry: queue.DefaultRetryPolicy(),
		},
		Database: database.Config{
			MaxConns: 25,
		},
		Partition: database.PartitionConfig{
			EnsureAheadMonths: 6,
		},
		Tracing: TracingConfig{
			Exporter: "console",
		},
		Signing: SigningConfig{
			Mode: "none",
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("AUDIT_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(
			strings.TrimPrefix(s, "AUDIT_")), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// The log level secret wins over file and defaults.
	if level := Secret(EnvLogLevel); level != "" {
		cfg.LogLevel = level
	}

	// Processor queue name follows the queue name unless pinned.
	if cfg.Queue.Processor.Queue == "" {
		cfg.Queue.Processor.Queue = cfg.Queue.Name
	}

	return &cfg, nil
}

// Secret reads an environment-only secret; empty means disabled. The
// bare name wins; the AUDIT_-prefixed form is the fallback.
func Secret(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	if strings.HasPrefix(name, "AUDIT_") {
		return ""
	}
	return os.Getenv("AUDIT_" + name)
}
