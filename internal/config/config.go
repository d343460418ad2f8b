// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue configures the inbox/outbox/rejected directories and the ceiling
// a single task file may occupy.
type Queue struct {
	MaxTaskBytes int `mapstructure:"max_task_bytes"`
}

// Runtime configures the event loop's worker pool and subprocess
// lifecycle policy.
type Runtime struct {
	WorkerCount          int           `mapstructure:"worker_count"`
	PluginIdleTimeout    time.Duration `mapstructure:"plugin_idle_timeout"`
	ShutdownGracePeriod  time.Duration `mapstructure:"shutdown_grace_period"`
	ActionDeadline       time.Duration `mapstructure:"action_deadline"`
	TaskDeadline         time.Duration `mapstructure:"task_deadline"`
	MutatingCategories   []string      `mapstructure:"mutating_categories"`
	MaxProtocolViolations int          `mapstructure:"max_protocol_violations"`
}

// PluginManager configures install verification requirements.
type PluginManager struct {
	PluginsRoot       string `mapstructure:"plugins_root"`
	RequireSignature  bool   `mapstructure:"require_signature"`
	MinisignPath      string `mapstructure:"minisign_path"`
	CosignPath        string `mapstructure:"cosign_path"`
	CoreVersion       string `mapstructure:"core_version"`
}

// Governance configures where scoped skill registries and guardrails
// live, and the reload poll interval for read-mostly snapshots.
type Governance struct {
	GuardrailsPath     string        `mapstructure:"guardrails_path"`
	SkillRegistryUser  string        `mapstructure:"skill_registry_user"`
	SkillRegistryProj  string        `mapstructure:"skill_registry_project"`
	SkillRegistryGlob  string        `mapstructure:"skill_registry_global"`
	ReloadPollInterval time.Duration `mapstructure:"reload_poll_interval"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

// Config is the root of Odin's layered configuration, populated from
// defaults, an optional YAML file, and ODIN_* environment overrides.
type Config struct {
	OdinDir        string         `mapstructure:"odin_dir"`
	ModeStatePath  string         `mapstructure:"mode_state_path"`
	Queue          Queue          `mapstructure:"queue"`
	Runtime        Runtime        `mapstructure:"runtime"`
	PluginManager  PluginManager  `mapstructure:"plugin_manager"`
	Governance     Governance     `mapstructure:"governance"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		OdinDir:       "/var/odin",
		ModeStatePath: "/var/odin/bootstrap-state.json",
		Queue: Queue{
			MaxTaskBytes: 256 * 1024,
		},
		Runtime: Runtime{
			WorkerCount:           8,
			PluginIdleTimeout:     5 * time.Minute,
			ShutdownGracePeriod:   10 * time.Second,
			ActionDeadline:        30 * time.Second,
			TaskDeadline:          10 * time.Minute,
			MutatingCategories:    []string{"mutating", "integration"},
			MaxProtocolViolations: 3,
		},
		PluginManager: PluginManager{
			PluginsRoot:      "/var/odin/plugins",
			RequireSignature: false,
			MinisignPath:     "minisign",
			CosignPath:       "cosign",
			CoreVersion:      "1.0.0",
		},
		Governance: Governance{
			GuardrailsPath:     "/var/odin/config/guardrails.yaml",
			SkillRegistryUser:  "",
			SkillRegistryProj:  "",
			SkillRegistryGlob:  "",
			ReloadPollInterval: 5 * time.Second,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     Tracing{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file plus ODIN_* env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("odin")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("odin_dir", def.OdinDir)
	v.SetDefault("mode_state_path", def.ModeStatePath)

	v.SetDefault("queue.max_task_bytes", def.Queue.MaxTaskBytes)

	v.SetDefault("runtime.worker_count", def.Runtime.WorkerCount)
	v.SetDefault("runtime.plugin_idle_timeout", def.Runtime.PluginIdleTimeout)
	v.SetDefault("runtime.shutdown_grace_period", def.Runtime.ShutdownGracePeriod)
	v.SetDefault("runtime.action_deadline", def.Runtime.ActionDeadline)
	v.SetDefault("runtime.task_deadline", def.Runtime.TaskDeadline)
	v.SetDefault("runtime.mutating_categories", def.Runtime.MutatingCategories)
	v.SetDefault("runtime.max_protocol_violations", def.Runtime.MaxProtocolViolations)

	v.SetDefault("plugin_manager.plugins_root", def.PluginManager.PluginsRoot)
	v.SetDefault("plugin_manager.require_signature", def.PluginManager.RequireSignature)
	v.SetDefault("plugin_manager.minisign_path", def.PluginManager.MinisignPath)
	v.SetDefault("plugin_manager.cosign_path", def.PluginManager.CosignPath)
	v.SetDefault("plugin_manager.core_version", def.PluginManager.CoreVersion)

	v.SetDefault("governance.guardrails_path", def.Governance.GuardrailsPath)
	v.SetDefault("governance.skill_registry_user", def.Governance.SkillRegistryUser)
	v.SetDefault("governance.skill_registry_project", def.Governance.SkillRegistryProj)
	v.SetDefault("governance.skill_registry_global", def.Governance.SkillRegistryGlob)
	v.SetDefault("governance.reload_poll_interval", def.Governance.ReloadPollInterval)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)

	// Optional file read.
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Environment overrides that don't follow the dotted-key convention.
	if dir := os.Getenv("ODIN_DIR"); dir != "" {
		v.Set("odin_dir", dir)
	}
	if msp := os.Getenv("ODIN_MODE_STATE_PATH"); msp != "" {
		v.Set("mode_state_path", msp)
	}
	if gp := os.Getenv("ODIN_GUARDRAILS_PATH"); gp != "" {
		v.Set("governance.guardrails_path", gp)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.OdinDir == "" {
		return fmt.Errorf("odin_dir must be set")
	}
	if cfg.Runtime.WorkerCount < 1 {
		return fmt.Errorf("runtime.worker_count must be >= 1")
	}
	if cfg.Queue.MaxTaskBytes < 1024 {
		return fmt.Errorf("queue.max_task_bytes must be >= 1024")
	}
	if cfg.Runtime.PluginIdleTimeout <= 0 {
		return fmt.Errorf("runtime.plugin_idle_timeout must be > 0")
	}
	if cfg.Runtime.MaxProtocolViolations < 1 {
		return fmt.Errorf("runtime.max_protocol_violations must be >= 1")
	}
	if len(cfg.Runtime.MutatingCategories) == 0 {
		return fmt.Errorf("runtime.mutating_categories must be non-empty")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
