package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig                 `json:"app" yaml:"app"`
	Gateways  map[string]GatewayConfig  `json:"gateways" yaml:"gateways"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Memory    MemoryConfig              `json:"memory" yaml:"memory"`
	Database  DatabaseConfig            `json:"database" yaml:"database"`
	Agent     AgentConfig               `json:"agent" yaml:"agent"`
	Summary   SummaryConfig             `json:"summary" yaml:"summary"`
}

type AppConfig struct {
	Name        string `json:"name" yaml:"name"`
	LogDir      string `json:"log_dir" yaml:"log_dir"`
	PromptsDir  string `json:"prompts_dir" yaml:"prompts_dir"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
	TraceStdout bool   `json:"trace_stdout" yaml:"trace_stdout"`
}

type GatewayConfig struct {
	Token   string `json:"token" yaml:"token"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type MemoryConfig struct {
	Type string `json:"type" yaml:"type"`
	Path string `json:"path" yaml:"path"`
	// HistoryTurns is how many earlier chat messages the decider sees.
	HistoryTurns int `json:"history_turns" yaml:"history_turns"`
}

// DatabaseConfig points at the database being explored.
type DatabaseConfig struct {
	Path                string `json:"path" yaml:"path"`
	QueryTimeoutSeconds int    `json:"query_timeout_seconds" yaml:"query_timeout_seconds"`
}

type AgentConfig struct {
	MaxSteps               int      `json:"max_steps" yaml:"max_steps"`
	DefaultLimit           int      `json:"default_limit" yaml:"default_limit"`
	MaxLimit               int      `json:"max_limit" yaml:"max_limit"`
	SampleLimit            int      `json:"sample_limit" yaml:"sample_limit"`
	EvidenceLookback       int      `json:"evidence_lookback" yaml:"evidence_lookback"`
	DecisionTimeoutSeconds int      `json:"decision_timeout_seconds" yaml:"decision_timeout_seconds"`
	RetryAttempts          int      `json:"retry_attempts" yaml:"retry_attempts"`
	RetryBaseMillis        int      `json:"retry_base_ms" yaml:"retry_base_ms"`
	RetryCapMillis         int      `json:"retry_cap_ms" yaml:"retry_cap_ms"`
	DeniedActions          []string `json:"denied_actions" yaml:"denied_actions"`
	DeniedPatterns         []string `json:"denied_patterns" yaml:"denied_patterns"`
}

type SummaryConfig struct {
	MaxTables       int `json:"max_tables" yaml:"max_tables"`
	MaxColsPerTable int `json:"max_cols_per_table" yaml:"max_cols_per_table"`
	MaxPreviewChars int `json:"max_preview_chars" yaml:"max_preview_chars"`
	MaxSteps        int `json:"max_steps" yaml:"max_steps"`
}

// Environment overrides.
const (
	EnvOpenAIKey = "DBAGENT_OPENAI_API_KEY"
	EnvDBPath    = "DBAGENT_DB_PATH"
)

// Default returns the configuration used without a config file: defaults
// plus environment overrides.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

// LoadConfig reads a JSON or YAML (.yaml/.yml) config file, applies defaults
// for unset values and then environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}

	if c.App.Name == "" {
		c.App.Name = "dbagent"
	}
	if c.App.LogDir == "" {
		c.App.LogDir = "logs"
	}
	if c.Memory.Type == "" {
		c.Memory.Type = "sqlite"
	}
	if c.Memory.Path == "" {
		c.Memory.Path = "memory.db"
	}
	setDefault(&c.Memory.HistoryTurns, 6)

	setDefault(&c.Database.QueryTimeoutSeconds, 30)

	setDefault(&c.Agent.MaxSteps, 12)
	setDefault(&c.Agent.MaxLimit, 5000)
	setDefault(&c.Agent.DefaultLimit, 1000)
	if c.Agent.DefaultLimit > c.Agent.MaxLimit {
		c.Agent.DefaultLimit = c.Agent.MaxLimit
	}
	setDefault(&c.Agent.SampleLimit, 5)
	setDefault(&c.Agent.EvidenceLookback, 6)
	setDefault(&c.Agent.DecisionTimeoutSeconds, 60)
	setDefault(&c.Agent.RetryAttempts, 3)
	setDefault(&c.Agent.RetryBaseMillis, 500)
	setDefault(&c.Agent.RetryCapMillis, 4000)

	setDefault(&c.Summary.MaxTables, 40)
	setDefault(&c.Summary.MaxColsPerTable, 12)
	setDefault(&c.Summary.MaxPreviewChars, 400)
	setDefault(&c.Summary.MaxSteps, 6)
}

func (c *Config) applyEnv() {
	if key := os.Getenv(EnvOpenAIKey); key != "" {
		if c.Providers == nil {
			c.Providers = make(map[string]ProviderConfig)
		}
		p := c.Providers["openai"]
		p.APIKey = key
		p.Enabled = true
		c.Providers["openai"] = p
	}
	if path := os.Getenv(EnvDBPath); path != "" {
		c.Database.Path = path
	}
}

func (a AgentConfig) DecisionTimeout() time.Duration {
	return time.Duration(a.DecisionTimeoutSeconds) * time.Second
}

func (a AgentConfig) RetryBase() time.Duration {
	return time.Duration(a.RetryBaseMillis) * time.Millisecond
}

func (a AgentConfig) RetryCap() time.Duration {
	return time.Duration(a.RetryCapMillis) * time.Millisecond
}

func (d DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(d.QueryTimeoutSeconds) * time.Second
}

// GetDefaultProvider returns the first enabled provider, checking openai,
// openrouter and ollama in that order before any others.
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for _, name := range []string{"openai", "openrouter", "ollama"} {
		if p, ok := c.Providers[name]; ok && p.Enabled {
			return name, p
		}
	}
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	tg, ok := c.Gateways["telegram"]
	if ok && tg.Enabled {
		return tg, true
	}
	return GatewayConfig{}, false
}
