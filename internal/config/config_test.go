package config

import (
	"os"
	"path/filepath"
	"testing"

	"sibyl/internal/fault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, float64(60), cfg.Session.SummarizeThresholdPct)
	assert.Equal(t, float64(70), cfg.Session.RotateThresholdPct)
	assert.Equal(t, 300, cfg.Session.RotationTimeoutSecs)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sibyl", cfg.Name)
}

func TestLoadParsesWorkspaceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sibyl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: research
primary_provider: main
providers:
  main:
    kind: llm
    model: sonnet-large
    version: "2026-02"
    api_key_env: ACME_API_KEY
    max_concurrent: 4
pipelines:
  analyze:
    steps:
      - phase: gather
        technique: llm_step
        params:
          prompt: gather facts
      - phase: report
        technique: llm_step
        inputs: [gather]
budget:
  token_budget: 500000
  max_cost_usd: 2.5
  max_requests: 200
  alert_threshold: 75
session:
  summarize_threshold_pct: 55
  rotate_threshold_pct: 65
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "research", cfg.Name)
	assert.Equal(t, "main", cfg.PrimaryProvider)
	require.Contains(t, cfg.Providers, "main")
	assert.Equal(t, "sonnet-large", cfg.Providers["main"].Model)
	assert.Equal(t, 4, cfg.Providers["main"].MaxConcurrent)
	require.Contains(t, cfg.Pipelines, "analyze")
	assert.Len(t, cfg.Pipelines["analyze"].Steps, 2)
	assert.Equal(t, []string{"gather"}, cfg.Pipelines["analyze"].Steps[1].Inputs)
	assert.Equal(t, int64(500000), cfg.Budget.TokenBudget)
	assert.Equal(t, 2.5, cfg.Budget.MaxCostUSD)
	assert.Equal(t, int64(200), cfg.Budget.MaxRequests)
	assert.Equal(t, float64(75), cfg.Budget.AlertThresholdPct)
	assert.Equal(t, float64(55), cfg.Session.SummarizeThresholdPct)
	// File values layer over defaults without clearing unrelated sections.
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrent)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero budget", func(c *Config) { c.Budget.TokenBudget = 0 }},
		{"negative cost cap", func(c *Config) { c.Budget.MaxCostUSD = -1 }},
		{"negative request cap", func(c *Config) { c.Budget.MaxRequests = -1 }},
		{"alert threshold above 100", func(c *Config) { c.Budget.AlertThresholdPct = 120 }},
		{"rotate below summarize", func(c *Config) { c.Session.RotateThresholdPct = 50 }},
		{"threshold above 100", func(c *Config) { c.Session.SummarizeThresholdPct = 150 }},
		{"unknown strategy", func(c *Config) { c.Session.Strategy = "zip" }},
		{"zero concurrency", func(c *Config) { c.Scheduler.MaxConcurrent = 0 }},
		{"provider without model", func(c *Config) {
			c.Providers = map[string]ProviderConfig{"p": {Kind: "llm"}}
		}},
		{"provider bad kind", func(c *Config) {
			c.Providers = map[string]ProviderConfig{"p": {Kind: "oracle", Model: "m"}}
		}},
		{"dangling primary", func(c *Config) { c.PrimaryProvider = "ghost" }},
		{"pipeline duplicate phase", func(c *Config) {
			c.Pipelines = map[string]PipelineConfig{"x": {Steps: []StepConfig{
				{Phase: "a", Technique: "t"}, {Phase: "a", Technique: "t"}}}}
		}},
		{"pipeline forward input", func(c *Config) {
			c.Pipelines = map[string]PipelineConfig{"x": {Steps: []StepConfig{
				{Phase: "a", Technique: "t", Inputs: []string{"b"}},
				{Phase: "b", Technique: "t"}}}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, fault.KindConfiguration, fault.KindOf(err))
		})
	}
}

func TestSnapshotDeterministic(t *testing.T) {
	a, err := DefaultConfig().Snapshot()
	require.NoError(t, err)
	b, err := DefaultConfig().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, a.Version, b.Version)
	assert.Equal(t, a.JSON, b.JSON)

	changed := DefaultConfig()
	changed.Budget.TokenBudget = 42
	c, err := changed.Snapshot()
	require.NoError(t, err)
	assert.NotEqual(t, a.Version, c.Version)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sibyl.yaml")
	orig := DefaultConfig()
	orig.Name = "saved"
	require.NoError(t, orig.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "saved", loaded.Name)
}
