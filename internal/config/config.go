// Package config loads the workspace configuration: providers, pipelines,
// budgets, session thresholds, and the runtime's ambient settings. A loaded
// config is validated, then frozen into an immutable content-addressed
// snapshot that conversations pin for their lifetime.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"sibyl/internal/fault"

	"gopkg.in/yaml.v3"
)

// Config holds all Sibyl workspace configuration.
type Config struct {
	// Workspace identity
	Name string `yaml:"name" json:"name"`

	// Storage roots
	DataDir string `yaml:"data_dir" json:"data_dir"`
	BlobDir string `yaml:"blob_dir" json:"blob_dir"`

	// Model providers by handle name
	Providers       map[string]ProviderConfig `yaml:"providers" json:"providers"`
	PrimaryProvider string                    `yaml:"primary_provider" json:"primary_provider"`

	// Pipelines by name
	Pipelines map[string]PipelineConfig `yaml:"pipelines" json:"pipelines"`

	Budget    BudgetConfig    `yaml:"budget" json:"budget"`
	Session   SessionConfig   `yaml:"session" json:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ProviderConfig configures one model provider handle.
type ProviderConfig struct {
	Kind          string `yaml:"kind" json:"kind"`     // llm, embedder, vector_store
	Driver        string `yaml:"driver" json:"driver"` // client implementation to bind, e.g. echo
	Model         string `yaml:"model" json:"model"`
	Version       string `yaml:"version" json:"version"`
	BaseURL       string `yaml:"base_url" json:"base_url"`
	APIKeyEnv     string `yaml:"api_key_env" json:"api_key_env"` // env var holding the key, never the key itself
	MaxConcurrent int    `yaml:"max_concurrent" json:"max_concurrent"`
}

// PipelineConfig defines one pipeline's ordered steps.
type PipelineConfig struct {
	Steps []StepConfig `yaml:"steps" json:"steps"`
}

// StepConfig binds a phase to a technique.
type StepConfig struct {
	Phase     string            `yaml:"phase" json:"phase"`
	Technique string            `yaml:"technique" json:"technique"`
	Params    map[string]string `yaml:"params" json:"params,omitempty"`
	Inputs    []string          `yaml:"inputs" json:"inputs,omitempty"`
}

// BudgetConfig bounds conversation spend. MaxCostUSD and MaxRequests are
// disabled when zero; AlertThresholdPct warns once per conversation when
// token utilization crosses it.
type BudgetConfig struct {
	TokenBudget        int64   `yaml:"token_budget" json:"token_budget"`
	SessionTokenBudget int64   `yaml:"session_token_budget" json:"session_token_budget"`
	MaxCostUSD         float64 `yaml:"max_cost_usd" json:"max_cost_usd"`
	MaxRequests        int64   `yaml:"max_requests" json:"max_requests"`
	AlertThresholdPct  float64 `yaml:"alert_threshold" json:"alert_threshold"`
}

// SessionConfig bounds session rotation.
type SessionConfig struct {
	SummarizeThresholdPct float64 `yaml:"summarize_threshold_pct" json:"summarize_threshold_pct"`
	RotateThresholdPct    float64 `yaml:"rotate_threshold_pct" json:"rotate_threshold_pct"`
	Strategy              string  `yaml:"strategy" json:"strategy"`
	RotationTimeoutSecs   int     `yaml:"rotation_timeout_secs" json:"rotation_timeout_secs"`
	MaxRotationAttempts   int     `yaml:"max_rotation_attempts" json:"max_rotation_attempts"`
}

// SchedulerConfig bounds call concurrency and retries.
type SchedulerConfig struct {
	MaxConcurrent   int `yaml:"max_concurrent" json:"max_concurrent"`
	MaxRetries      int `yaml:"max_retries" json:"max_retries"`
	RetryBaseMillis int `yaml:"retry_base_ms" json:"retry_base_ms"`
	RetryMaxMillis  int `yaml:"retry_max_ms" json:"retry_max_ms"`
}

// CacheConfig bounds the response memoizer.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	MaxEntries int  `yaml:"max_entries" json:"max_entries"`
	TTLSecs    int  `yaml:"ttl_secs" json:"ttl_secs"`
}

// ServerConfig configures the health/metrics endpoint.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	Metrics    bool   `yaml:"metrics" json:"metrics"`
}

// LoggingConfig configures the categorized logger.
type LoggingConfig struct {
	Level      string   `yaml:"level" json:"level"` // debug, info, warn, error
	Dir        string   `yaml:"dir" json:"dir"`
	JSONFormat bool     `yaml:"json_format" json:"json_format"`
	Categories []string `yaml:"categories" json:"categories,omitempty"`
}

// DefaultConfig returns the default workspace configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "sibyl",
		DataDir: "data",
		BlobDir: "data/blobs",

		Providers: map[string]ProviderConfig{},
		Pipelines: map[string]PipelineConfig{},

		Budget: BudgetConfig{
			TokenBudget:        1000000,
			SessionTokenBudget: 128000,
			AlertThresholdPct:  80,
		},
		Session: SessionConfig{
			SummarizeThresholdPct: 60,
			RotateThresholdPct:    70,
			Strategy:              "llm_compress",
			RotationTimeoutSecs:   300,
			MaxRotationAttempts:   3,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:   8,
			MaxRetries:      3,
			RetryBaseMillis: 500,
			RetryMaxMillis:  30000,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 4096,
			TTLSecs:    3600,
		},
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8090",
			Metrics:    true,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "data/logs",
		},
	}
}

// Load reads the workspace config from a YAML file, layering defaults,
// file values, and environment overrides, then validates the result.
// A missing file yields validated defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fault.Wrap(fault.KindConfiguration, "config.load", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, "config.load", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fault.Wrap(fault.KindConfiguration, "config.save", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fault.Wrap(fault.KindConfiguration, "config.save", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fault.Wrap(fault.KindConfiguration, "config.save", err)
	}
	return nil
}

// applyEnvOverrides applies SIBYL_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SIBYL_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SIBYL_BLOB_DIR"); v != "" {
		c.BlobDir = v
	}
	if v := os.Getenv("SIBYL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SIBYL_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v := os.Getenv("SIBYL_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("SIBYL_PRIMARY_PROVIDER"); v != "" {
		c.PrimaryProvider = v
	}
	if v := os.Getenv("SIBYL_TOKEN_BUDGET"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Budget.TokenBudget = n
		}
	}
	if v := os.Getenv("SIBYL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxConcurrent = n
		}
	}
}

// Validate checks structural invariants. Every violation is a configuration
// error; the first one found is returned.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fault.New(fault.KindConfiguration, "config.validate", "data_dir required")
	}
	if c.BlobDir == "" {
		return fault.New(fault.KindConfiguration, "config.validate", "blob_dir required")
	}
	if c.Budget.TokenBudget <= 0 {
		return fault.New(fault.KindConfiguration, "config.validate", "budget.token_budget must be positive")
	}
	if c.Budget.SessionTokenBudget < 0 {
		return fault.New(fault.KindConfiguration, "config.validate", "budget.session_token_budget must not be negative")
	}
	if c.Budget.MaxCostUSD < 0 {
		return fault.New(fault.KindConfiguration, "config.validate", "budget.max_cost_usd must not be negative")
	}
	if c.Budget.MaxRequests < 0 {
		return fault.New(fault.KindConfiguration, "config.validate", "budget.max_requests must not be negative")
	}
	if c.Budget.AlertThresholdPct < 0 || c.Budget.AlertThresholdPct > 100 {
		return fault.New(fault.KindConfiguration, "config.validate",
			"budget.alert_threshold out of range: %.1f", c.Budget.AlertThresholdPct)
	}
	s := c.Session
	if s.SummarizeThresholdPct <= 0 || s.SummarizeThresholdPct > 100 {
		return fault.New(fault.KindConfiguration, "config.validate",
			"session.summarize_threshold_pct out of range: %.1f", s.SummarizeThresholdPct)
	}
	if s.RotateThresholdPct <= s.SummarizeThresholdPct || s.RotateThresholdPct > 100 {
		return fault.New(fault.KindConfiguration, "config.validate",
			"session.rotate_threshold_pct must be in (summarize, 100]: %.1f", s.RotateThresholdPct)
	}
	switch s.Strategy {
	case "llm_compress", "delta_compress", "full_copy", "restart":
	default:
		return fault.New(fault.KindConfiguration, "config.validate", "unknown session.strategy %q", s.Strategy)
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fault.New(fault.KindConfiguration, "config.validate", "scheduler.max_concurrent must be positive")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fault.New(fault.KindConfiguration, "config.validate", "scheduler.max_retries must not be negative")
	}

	for name, p := range c.Providers {
		switch p.Kind {
		case "llm", "embedder", "vector_store":
		default:
			return fault.New(fault.KindConfiguration, "config.validate", "provider %q has unknown kind %q", name, p.Kind)
		}
		if p.Model == "" {
			return fault.New(fault.KindConfiguration, "config.validate", "provider %q has no model", name)
		}
	}
	if c.PrimaryProvider != "" {
		if _, ok := c.Providers[c.PrimaryProvider]; !ok {
			return fault.New(fault.KindConfiguration, "config.validate",
				"primary_provider %q is not a configured provider", c.PrimaryProvider)
		}
	}

	for name, p := range c.Pipelines {
		if len(p.Steps) == 0 {
			return fault.New(fault.KindConfiguration, "config.validate", "pipeline %q has no steps", name)
		}
		seen := make(map[string]bool, len(p.Steps))
		for i, step := range p.Steps {
			if step.Phase == "" {
				return fault.New(fault.KindConfiguration, "config.validate",
					"pipeline %q step %d has no phase", name, i)
			}
			if step.Technique == "" {
				return fault.New(fault.KindConfiguration, "config.validate",
					"pipeline %q step %q has no technique", name, step.Phase)
			}
			if seen[step.Phase] {
				return fault.New(fault.KindConfiguration, "config.validate",
					"pipeline %q has duplicate phase %q", name, step.Phase)
			}
			for _, in := range step.Inputs {
				if !seen[in] {
					return fault.New(fault.KindConfiguration, "config.validate",
						"pipeline %q step %q consumes %q before it is produced", name, step.Phase, in)
				}
			}
			seen[step.Phase] = true
		}
	}
	return nil
}
