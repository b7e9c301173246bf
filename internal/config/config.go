package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host                  string `yaml:"host"`
	Port                  int    `yaml:"port"`
	RequestTimeoutSeconds int    `yaml:"requestTimeoutSeconds"`
	BodyLimitBytes        int    `yaml:"bodyLimitBytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMConfig holds the generation parameters sent with every completion
// request. Only MaxTokens is overridden per operation.
type LLMConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	Model          string   `yaml:"model"`
	Temperature    float64  `yaml:"temperature"`
	MaxTokens      int      `yaml:"maxTokens"`
	TopP           float64  `yaml:"topP"`
	TopK           int      `yaml:"topK"`
	ContextLength  int      `yaml:"contextLength"`
	RepeatPenalty  float64  `yaml:"repeatPenalty"`
	Stop           []string `yaml:"stop"`
	GPULayers      int      `yaml:"gpuLayers"`
	TimeoutSeconds int      `yaml:"timeoutSeconds"`
}

// Timeout returns the wall-clock bound for a single completion call.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type RetryConfig struct {
	MaxRetries    int `yaml:"maxRetries"`
	BaseDelayMs   int `yaml:"baseDelayMs"`
	JitterPercent int `yaml:"jitterPercent"`
}

type ExtractionConfig struct {
	MaxEHRChars    int  `yaml:"maxEHRChars"`
	StrictParsing  bool `yaml:"strictParsing"`
	ValidateDomain bool `yaml:"validateDomain"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"perMinute"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AuditConfig controls the extraction event trail. RetentionDays <= 0
// keeps events forever.
type AuditConfig struct {
	Enabled                bool `yaml:"enabled"`
	RetentionDays          int  `yaml:"retentionDays"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	LLM        LLMConfig        `yaml:"llm"`
	Retry      RetryConfig      `yaml:"retry"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Redis      RedisConfig      `yaml:"redis"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Database   DatabaseConfig   `yaml:"database"`
	Audit      AuditConfig      `yaml:"audit"`
}

func Default() *Config {
	var cfg Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 5107
	cfg.Server.RequestTimeoutSeconds = 200
	cfg.Server.BodyLimitBytes = 1 << 20
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.LLM.Endpoint = "http://localhost:11434/api/generate"
	cfg.LLM.Model = "llama3.1:8b"
	cfg.LLM.Temperature = 0.3
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.TopP = 0.9
	cfg.LLM.TopK = 40
	cfg.LLM.ContextLength = 4096
	cfg.LLM.RepeatPenalty = 1.1
	cfg.LLM.Stop = []string{"###", "User:", "Assistant:"}
	cfg.LLM.GPULayers = 20
	cfg.LLM.TimeoutSeconds = 180
	cfg.Retry.BaseDelayMs = 250
	cfg.Retry.JitterPercent = 20
	cfg.Extraction.MaxEHRChars = 10000
	cfg.Extraction.ValidateDomain = true
	cfg.Audit.RetentionDays = 30
	cfg.Audit.CleanupIntervalMinutes = 60
	return &cfg
}

// Load builds the effective configuration: defaults, then the yaml file at
// path (a missing file is not an error), then CLINICAL_* environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would make every completion call fail.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.Model) == "" {
		return errors.New("missing llm.model (or CLINICAL_LLM_MODEL)")
	}
	u, err := url.Parse(c.LLM.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid llm.endpoint %q", c.LLM.Endpoint)
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return errors.New("llm.timeoutSeconds must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature %.2f out of range [0,2]", c.LLM.Temperature)
	}
	if c.Extraction.MaxEHRChars <= 0 {
		return errors.New("extraction.maxEHRChars must be positive")
	}
	if c.Audit.Enabled && c.Database.DSN == "" {
		return errors.New("audit.enabled requires database.dsn (or CLINICAL_DB_DSN)")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLINICAL_HTTP_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CLINICAL_HTTP_PORT"); v != "" {
		cfg.Server.Port = parseInt(v, cfg.Server.Port)
	}
	if v := os.Getenv("CLINICAL_HTTP_REQUEST_TIMEOUT_SECONDS"); v != "" {
		cfg.Server.RequestTimeoutSeconds = parseInt(v, cfg.Server.RequestTimeoutSeconds)
	}
	if v := os.Getenv("CLINICAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CLINICAL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("CLINICAL_LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("CLINICAL_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("CLINICAL_LLM_TEMPERATURE"); v != "" {
		cfg.LLM.Temperature = parseFloat(v, cfg.LLM.Temperature)
	}
	if v := os.Getenv("CLINICAL_LLM_MAX_TOKENS"); v != "" {
		cfg.LLM.MaxTokens = parseInt(v, cfg.LLM.MaxTokens)
	}
	if v := os.Getenv("CLINICAL_LLM_TOP_P"); v != "" {
		cfg.LLM.TopP = parseFloat(v, cfg.LLM.TopP)
	}
	if v := os.Getenv("CLINICAL_LLM_TOP_K"); v != "" {
		cfg.LLM.TopK = parseInt(v, cfg.LLM.TopK)
	}
	if v := os.Getenv("CLINICAL_LLM_CONTEXT_LENGTH"); v != "" {
		cfg.LLM.ContextLength = parseInt(v, cfg.LLM.ContextLength)
	}
	if v := os.Getenv("CLINICAL_LLM_REPEAT_PENALTY"); v != "" {
		cfg.LLM.RepeatPenalty = parseFloat(v, cfg.LLM.RepeatPenalty)
	}
	if v := os.Getenv("CLINICAL_LLM_STOP"); v != "" {
		if stops := splitCSV(v); len(stops) > 0 {
			cfg.LLM.Stop = stops
		}
	}
	if v := os.Getenv("CLINICAL_LLM_GPU_LAYERS"); v != "" {
		cfg.LLM.GPULayers = parseInt(v, cfg.LLM.GPULayers)
	}
	if v := os.Getenv("CLINICAL_LLM_TIMEOUT_SECONDS"); v != "" {
		cfg.LLM.TimeoutSeconds = parseInt(v, cfg.LLM.TimeoutSeconds)
	}
	if v := os.Getenv("CLINICAL_RETRY_MAX_RETRIES"); v != "" {
		cfg.Retry.MaxRetries = parseInt(v, cfg.Retry.MaxRetries)
	}
	if v := os.Getenv("CLINICAL_EXTRACTION_STRICT"); v != "" {
		cfg.Extraction.StrictParsing = parseBool(v, cfg.Extraction.StrictParsing)
	}
	if v := os.Getenv("CLINICAL_EXTRACTION_VALIDATE_DOMAIN"); v != "" {
		cfg.Extraction.ValidateDomain = parseBool(v, cfg.Extraction.ValidateDomain)
	}
	if v := os.Getenv("CLINICAL_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CLINICAL_RATE_LIMIT_PER_MINUTE"); v != "" {
		cfg.RateLimit.PerMinute = parseInt(v, cfg.RateLimit.PerMinute)
	}
	if v := os.Getenv("CLINICAL_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CLINICAL_AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = parseBool(v, cfg.Audit.Enabled)
	}
	if v := os.Getenv("CLINICAL_AUDIT_RETENTION_DAYS"); v != "" {
		cfg.Audit.RetentionDays = parseInt(v, cfg.Audit.RetentionDays)
	}
}

func parseInt(input string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(input string, fallback float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		val := strings.TrimSpace(part)
		if val == "" {
			continue
		}
		out = append(out, val)
	}
	return out
}
