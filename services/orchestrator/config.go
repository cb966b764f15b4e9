// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCare/pkg/logging"
	"github.com/AleutianAI/AleutianCare/services/llm"
	"github.com/AleutianAI/AleutianCare/services/orchestrator/middleware"
	badgerstore "github.com/AleutianAI/AleutianCare/services/storage/badger"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes all configuration for the care orchestrator. Values are
// read from a YAML file, overridden by environment variables, and completed
// by applyConfigDefaults. Programmatic construction is used by tests.
//
// # Required Fields
//
// None. Every field has a default.
//
// # Examples
//
//	# care.yaml
//	port: 12310
//	llm:
//	  backend: anthropic
//	  model: claude-sonnet-4-5
//	subjects:
//	  source: fixtures
//	  fixtures_path: ./fixtures/subjects.yaml
//	lock:
//	  backend: redis   # REDIS_URL from the environment
type Config struct {
	// Port is the HTTP server port. Default: 12310
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// ServiceName is reported to tracing and logging. Default: care-orchestrator
	ServiceName string `yaml:"service_name"`

	// GinMode sets the Gin framework mode. Empty keeps GIN_MODE or debug.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AllowedOrigins restricts WebSocket upgrades. Empty allows every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// DisableMetrics skips Prometheus registration. /metrics stays mounted
	// and serves the Go runtime collectors only.
	DisableMetrics bool `yaml:"disable_metrics"`

	Logging   logging.Config             `yaml:"logging"`
	Tracing   TracingConfig              `yaml:"tracing"`
	LLM       llm.Config                 `yaml:"llm"`
	Risk      RiskConfig                 `yaml:"risk"`
	Engine    EngineConfig               `yaml:"engine"`
	Subjects  SubjectsConfig             `yaml:"subjects"`
	History   HistoryConfig              `yaml:"history"`
	Lock      LockConfig                 `yaml:"lock"`
	RateLimit middleware.RateLimitConfig `yaml:"rate_limit"`

	// Logger is used by the service. Nil uses slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	// Exporter is otlp, stdout or none. Default: otlp
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector. Default: aleutian-otel-collector:4317
	Endpoint string `yaml:"endpoint"`
}

// RiskConfig configures the classifier.
type RiskConfig struct {
	// ModelJudge enables the model stage. It needs an LLM backend.
	ModelJudge bool `yaml:"model_judge"`

	// JudgeTimeout bounds one model judgment. Zero uses the classifier default.
	JudgeTimeout time.Duration `yaml:"judge_timeout"`

	// RulesFile replaces the embedded pattern table.
	RulesFile string `yaml:"rules_file"`

	// WatchRules reloads RulesFile while serving when it changes on disk.
	WatchRules bool `yaml:"watch_rules"`
}

// EngineConfig tunes the conversation engine and its tool registry.
type EngineConfig struct {
	MaxIterations      int           `yaml:"max_iterations" validate:"min=0,max=20"`
	HistoryWindow      int           `yaml:"history_window" validate:"min=0"`
	MaxTokens          int           `yaml:"max_tokens" validate:"min=0"`
	Temperature        *float64      `yaml:"temperature" validate:"omitempty,min=0,max=2"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	MaxConcurrentTools int           `yaml:"max_concurrent_tools" validate:"min=0"`
}

// Subject sources.
const (
	SubjectSourceMemory   = "memory"
	SubjectSourceFixtures = "fixtures"
	SubjectSourceMongo    = "mongo"
)

// SubjectsConfig selects where subject data is read from.
type SubjectsConfig struct {
	// Source is memory, fixtures or mongo. Default: fixtures when
	// FixturesPath is set, memory otherwise.
	Source        string `yaml:"source" validate:"omitempty,oneof=memory fixtures mongo"`
	FixturesPath  string `yaml:"fixtures_path" validate:"required_if=Source fixtures"`
	MongoURI      string `yaml:"-" validate:"required_if=Source mongo"`
	MongoDatabase string `yaml:"mongo_database"`
}

// History backends.
const (
	HistoryBackendBadger = "badger"
	HistoryBackendNone   = "none"
)

// HistoryConfig configures conversation history storage.
type HistoryConfig struct {
	// Backend is badger or none. Default: badger
	Backend string             `yaml:"backend" validate:"omitempty,oneof=badger none"`
	Badger  badgerstore.Config `yaml:"badger"`

	// Limit is the default page size of the history endpoint and the number
	// of stored messages loaded into a turn.
	Limit int `yaml:"limit" validate:"min=0,max=1000"`
}

// Lock backends.
const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// LockConfig selects the per-conversation turn lock.
type LockConfig struct {
	// Backend is local or redis. Default: local
	Backend  string        `yaml:"backend" validate:"omitempty,oneof=local redis"`
	RedisURL string        `yaml:"-" validate:"required_if=Backend redis"`
	TTL      time.Duration `yaml:"ttl"`
}

var configValidate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// Loading
// =============================================================================

// LoadConfig reads path, applies environment overrides and defaults, and
// validates the result.
//
// # Description
//
// An empty path skips the file. Unknown YAML keys are rejected so a typo
// does not silently fall back to a default. Secrets (API keys, MongoDB and
// Redis URLs) never come from the file; they are read from the environment
// or from /run/secrets.
//
// # Environment Variables
//
//   - CARE_PORT, GIN_MODE, CARE_LOG_LEVEL, CARE_LOG_DIR
//   - LLM_BACKEND_TYPE, LLM_MODEL, LLM_BASE_URL
//   - CARE_TRACING_EXPORTER, OTEL_EXPORTER_OTLP_ENDPOINT
//   - CARE_SUBJECTS_SOURCE, CARE_FIXTURES_PATH, MONGO_URI, MONGO_DATABASE
//   - CARE_HISTORY_PATH, CARE_LOCK_BACKEND, REDIS_URL
//   - CARE_RATE_LIMIT_RPM
//
// # Outputs
//
//   - Config: ready to pass to New.
//   - error: the file is unreadable, malformed or fails validation.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeConfig(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks field ranges and cross-field requirements.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	backend := strings.ToLower(strings.TrimSpace(c.LLM.Backend))
	if c.Risk.ModelJudge && (backend == "" || backend == "none") {
		return errors.New("invalid config: risk.model_judge needs an llm backend")
	}
	if c.Risk.WatchRules && c.Risk.RulesFile == "" {
		return errors.New("invalid config: risk.watch_rules needs risk.rules_file")
	}
	return nil
}

// applyEnvOverrides lets deployment environments replace file values.
func applyEnvOverrides(cfg *Config) {
	cfg.Port = getEnvInt("CARE_PORT", cfg.Port)
	cfg.GinMode = getEnvString("GIN_MODE", cfg.GinMode)

	if lvl := os.Getenv("CARE_LOG_LEVEL"); lvl != "" {
		if parsed, err := logging.ParseLevel(lvl); err == nil {
			cfg.Logging.Level = parsed
		}
	}
	cfg.Logging.LogDir = getEnvString("CARE_LOG_DIR", cfg.Logging.LogDir)

	cfg.LLM.Backend = getEnvString("LLM_BACKEND_TYPE", cfg.LLM.Backend)
	cfg.LLM.Model = getEnvString("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.BaseURL = getEnvString("LLM_BASE_URL", cfg.LLM.BaseURL)

	cfg.Tracing.Exporter = getEnvString("CARE_TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.Endpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)

	cfg.Subjects.Source = getEnvString("CARE_SUBJECTS_SOURCE", cfg.Subjects.Source)
	cfg.Subjects.FixturesPath = getEnvString("CARE_FIXTURES_PATH", cfg.Subjects.FixturesPath)
	cfg.Subjects.MongoDatabase = getEnvString("MONGO_DATABASE", cfg.Subjects.MongoDatabase)
	if uri := llm.ReadSecret("MONGO_URI", "mongo_uri"); uri != "" {
		cfg.Subjects.MongoURI = uri
	}

	cfg.History.Badger.Path = getEnvString("CARE_HISTORY_PATH", cfg.History.Badger.Path)

	cfg.Lock.Backend = getEnvString("CARE_LOCK_BACKEND", cfg.Lock.Backend)
	if url := llm.ReadSecret("REDIS_URL", "redis_url"); url != "" {
		cfg.Lock.RedisURL = url
	}

	cfg.RateLimit.RequestsPerMinute = getEnvInt("CARE_RATE_LIMIT_RPM", cfg.RateLimit.RequestsPerMinute)
}

// applyConfigDefaults fills in missing configuration values.
//
// # Inputs
//
//   - cfg: User-provided configuration
//
// # Outputs
//
//   - Config: Configuration with defaults applied
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "care-orchestrator"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Logging.Service == "" {
		cfg.Logging.Service = cfg.ServiceName
	}

	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "otlp"
	}
	if cfg.Tracing.Endpoint == "" {
		cfg.Tracing.Endpoint = "aleutian-otel-collector:4317"
	}

	if cfg.Subjects.Source == "" {
		if cfg.Subjects.FixturesPath != "" {
			cfg.Subjects.Source = SubjectSourceFixtures
		} else {
			cfg.Subjects.Source = SubjectSourceMemory
		}
	}
	if cfg.Subjects.MongoDatabase == "" {
		cfg.Subjects.MongoDatabase = "aleutian_care"
	}

	if cfg.History.Backend == "" {
		cfg.History.Backend = HistoryBackendBadger
	}
	if cfg.History.Backend == HistoryBackendBadger && !cfg.History.Badger.InMemory && cfg.History.Badger.Path == "" {
		defaults := badgerstore.DefaultConfig()
		defaults.Path = "./data/history"
		cfg.History.Badger = defaults
	}

	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = LockBackendLocal
	}
	if cfg.Lock.TTL <= 0 {
		cfg.Lock.TTL = 2 * time.Minute
	}
	return cfg
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
