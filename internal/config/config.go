// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the orchestrator/worker process configuration from
// environment variables, with an optional YAML overlay for local defaults.
// Environment variables always win over the overlay file; validation fails
// fast, collecting every missing required field rather than the first.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/reelctl/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved process configuration.
type Config struct {
	DatabaseURL          string `yaml:"databaseUrl"`
	EventBusProjectID    string `yaml:"eventBusProjectId"`
	EventBusEmulatorHost string `yaml:"eventBusEmulatorHost"`

	PoolMin                  int           `yaml:"poolMin"`
	PoolMax                  int           `yaml:"poolMax"`
	PoolAcquireTimeout       time.Duration `yaml:"poolAcquireTimeout"`
	PoolSlowQueryThreshold   time.Duration `yaml:"poolSlowQueryThreshold"`
	PoolLeakThreshold        time.Duration `yaml:"poolLeakThreshold"`
	PoolMaintenanceInterval  time.Duration `yaml:"poolMaintenanceInterval"`

	BreakerErrorThreshold int           `yaml:"breakerErrorThreshold"`
	BreakerResetTimeout   time.Duration `yaml:"breakerResetTimeout"`

	LifecycleStallTimeout    time.Duration `yaml:"lifecycleStallTimeout"`
	LifecycleReclaimInterval time.Duration `yaml:"lifecycleReclaimInterval"`

	DefaultMaxRetries map[domain.JobType]int `yaml:"defaultMaxRetries"`

	WorkerID          string `yaml:"workerId"`
	WorkerConcurrency int    `yaml:"workerConcurrency"`
	SafetyRetries     int    `yaml:"safetyRetries"`

	AdminListenAddr string `yaml:"adminListenAddr"`
	LogLevel        string `yaml:"logLevel"`

	TelemetryEnabled  bool   `yaml:"telemetryEnabled"`
	TelemetryExporter string `yaml:"telemetryExporter"`
	TelemetryEndpoint string `yaml:"telemetryEndpoint"`
	ServiceVersion    string `yaml:"serviceVersion"`
	Environment       string `yaml:"environment"`
}

// defaultMaxRetries mirrors the retry budget a fresh deployment ships with;
// operators override per job type via DEFAULT_MAX_RETRIES_<TYPE>.
func defaultMaxRetries() map[domain.JobType]int {
	return map[domain.JobType]int{
		domain.JobExpandCreativePrompt:    3,
		domain.JobGenerateStoryboard:      3,
		domain.JobProcessAudioToScenes:    3,
		domain.JobEnhanceStoryboard:       3,
		domain.JobSemanticAnalysis:        3,
		domain.JobGenerateCharacterAssets: 3,
		domain.JobGenerateLocationAssets:  3,
		domain.JobGenerateSceneFrames:     4,
		domain.JobGenerateSceneVideo:      4,
		domain.JobRenderVideo:             2,
		domain.JobFrameRender:             4,
	}
}

func defaults() Config {
	return Config{
		PoolMin:                  2,
		PoolMax:                  10,
		PoolAcquireTimeout:       5 * time.Second,
		PoolSlowQueryThreshold:   500 * time.Millisecond,
		PoolLeakThreshold:        30 * time.Second,
		PoolMaintenanceInterval:  30 * time.Second,
		BreakerErrorThreshold:    5,
		BreakerResetTimeout:      30 * time.Second,
		LifecycleStallTimeout:    2 * time.Minute,
		LifecycleReclaimInterval: 15 * time.Second,
		DefaultMaxRetries:        defaultMaxRetries(),
		WorkerConcurrency:        4,
		SafetyRetries:            2,
		AdminListenAddr:          ":9090",
		LogLevel:                 "info",
		TelemetryExporter:        "grpc",
		ServiceVersion:           "dev",
		Environment:              "development",
	}
}

// Load resolves configuration from an optional YAML file (local defaults)
// overlaid by environment variables (always authoritative), then validates
// required fields. Pass an empty yamlPath to skip the file overlay.
func Load(yamlPath string) (Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		if raw, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if errs := cfg.validate(); len(errs) > 0 {
		return Config{}, fmt.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	strVal(&cfg.DatabaseURL, "DATABASE_URL")
	strVal(&cfg.EventBusProjectID, "EVENT_BUS_PROJECT_ID")
	strVal(&cfg.EventBusEmulatorHost, "EVENT_BUS_EMULATOR_HOST")

	intVal(&cfg.PoolMin, "POOL_MIN")
	intVal(&cfg.PoolMax, "POOL_MAX")
	durVal(&cfg.PoolAcquireTimeout, "POOL_ACQUIRE_TIMEOUT_MS")
	durVal(&cfg.PoolSlowQueryThreshold, "POOL_SLOW_QUERY_MS")
	durVal(&cfg.PoolLeakThreshold, "POOL_LEAK_THRESHOLD_MS")
	durVal(&cfg.PoolMaintenanceInterval, "POOL_MAINTENANCE_INTERVAL_MS")

	intVal(&cfg.BreakerErrorThreshold, "BREAKER_ERROR_THRESHOLD")
	durVal(&cfg.BreakerResetTimeout, "BREAKER_RESET_TIMEOUT_MS")

	durVal(&cfg.LifecycleStallTimeout, "LIFECYCLE_STALL_TIMEOUT_MS")
	durVal(&cfg.LifecycleReclaimInterval, "LIFECYCLE_RECLAIM_INTERVAL_MS")

	strVal(&cfg.WorkerID, "WORKER_ID")
	intVal(&cfg.WorkerConcurrency, "WORKER_CONCURRENCY")
	intVal(&cfg.SafetyRetries, "SAFETY_RETRIES")

	strVal(&cfg.AdminListenAddr, "ADMIN_LISTEN_ADDR")
	strVal(&cfg.LogLevel, "LOG_LEVEL")

	boolVal(&cfg.TelemetryEnabled, "TELEMETRY_ENABLED")
	strVal(&cfg.TelemetryExporter, "TELEMETRY_EXPORTER")
	strVal(&cfg.TelemetryEndpoint, "TELEMETRY_ENDPOINT")
	strVal(&cfg.ServiceVersion, "SERVICE_VERSION")
	strVal(&cfg.Environment, "ENVIRONMENT")

	if cfg.DefaultMaxRetries == nil {
		cfg.DefaultMaxRetries = defaultMaxRetries()
	}
	for jt := range cfg.DefaultMaxRetries {
		envName := "DEFAULT_MAX_RETRIES_" + strings.ToUpper(string(jt))
		n := cfg.DefaultMaxRetries[jt]
		intVal(&n, envName)
		cfg.DefaultMaxRetries[jt] = n
	}
}

func (cfg Config) validate() []string {
	var errs []string
	if cfg.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if cfg.EventBusProjectID == "" {
		errs = append(errs, "EVENT_BUS_PROJECT_ID is required")
	}
	if cfg.PoolMax < cfg.PoolMin {
		errs = append(errs, "POOL_MAX must be >= POOL_MIN")
	}
	if cfg.BreakerErrorThreshold <= 0 {
		errs = append(errs, "BREAKER_ERROR_THRESHOLD must be > 0")
	}
	if cfg.WorkerConcurrency <= 0 {
		errs = append(errs, "WORKER_CONCURRENCY must be > 0")
	}
	return errs
}

func strVal(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok {
		*dst = v
	}
}

func boolVal(dst *bool, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func intVal(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func durVal(dst *time.Duration, env string) {
	if v, ok := os.LookupEnv(env); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
