package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:11434/api/generate", cfg.LLM.Endpoint)
	assert.Equal(t, "llama3.1:8b", cfg.LLM.Model)
	assert.Equal(t, 0.3, cfg.LLM.Temperature)
	assert.Equal(t, 2000, cfg.LLM.MaxTokens)
	assert.Equal(t, 0.9, cfg.LLM.TopP)
	assert.Equal(t, 40, cfg.LLM.TopK)
	assert.Equal(t, 4096, cfg.LLM.ContextLength)
	assert.Equal(t, 1.1, cfg.LLM.RepeatPenalty)
	assert.Equal(t, []string{"###", "User:", "Assistant:"}, cfg.LLM.Stop)
	assert.Equal(t, 20, cfg.LLM.GPULayers)
	assert.Equal(t, 180*time.Second, cfg.LLM.Timeout())
	assert.Equal(t, 10000, cfg.Extraction.MaxEHRChars)
	assert.True(t, cfg.Extraction.ValidateDomain)
	assert.Zero(t, cfg.Retry.MaxRetries)
	assert.Equal(t, 30, cfg.Audit.RetentionDays)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
llm:
  model: llama3.2:3b
  topK: 10
  stop: ["END"]
extraction:
  strictParsing: true
rateLimit:
  perMinute: 12
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("CLINICAL_LLM_TOP_K", "25")
	t.Setenv("CLINICAL_LLM_TEMPERATURE", "not-a-number")
	t.Setenv("CLINICAL_LLM_STOP", " ###, User: ,")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "llama3.2:3b", cfg.LLM.Model)
	assert.Equal(t, 25, cfg.LLM.TopK)
	assert.Equal(t, 0.3, cfg.LLM.Temperature, "unparseable env keeps previous value")
	assert.Equal(t, []string{"###", "User:"}, cfg.LLM.Stop)
	assert.True(t, cfg.Extraction.StrictParsing)
	assert.Equal(t, 12, cfg.RateLimit.PerMinute)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [unterminated"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty model", func(c *Config) { c.LLM.Model = " " }},
		{"bad endpoint", func(c *Config) { c.LLM.Endpoint = "localhost:11434" }},
		{"zero timeout", func(c *Config) { c.LLM.TimeoutSeconds = 0 }},
		{"temperature", func(c *Config) { c.LLM.Temperature = 2.5 }},
		{"audit without dsn", func(c *Config) { c.Audit.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
