// Package config provides configuration loading and management for netdiag.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Backend BackendConfig `json:"backend" mapstructure:"backend"`
	Budgets Budgets       `json:"budgets" mapstructure:"budgets"`
	Tools   ToolsConfig   `json:"tools"   mapstructure:"tools"`
}

// BackendConfig describes the language-model backend.
type BackendConfig struct {
	Type      string        `json:"type"                  mapstructure:"type"`
	Model     string        `json:"model,omitempty"       mapstructure:"model"`
	BaseURL   string        `json:"base_url,omitempty"    mapstructure:"base_url"`
	APIKey    string        `json:"api_key,omitempty"     mapstructure:"api_key"`
	APIKeyEnv string        `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
	Timeout   time.Duration `json:"timeout,omitempty"     mapstructure:"timeout"`
	Cmd       []string      `json:"cmd,omitempty"         mapstructure:"cmd"`
	UseTTY    *bool         `json:"use_tty,omitempty"     mapstructure:"use_tty"`
}

// Budgets defines pipeline limits. Zero values take documented defaults.
type Budgets struct {
	MaxIterations int           `json:"max_iterations" mapstructure:"max_iterations"`
	StageTimeout  time.Duration `json:"stage_timeout"  mapstructure:"stage_timeout"`
	ToolTimeout   time.Duration `json:"tool_timeout"   mapstructure:"tool_timeout"`
	ToolFanout    int           `json:"tool_fanout"    mapstructure:"tool_fanout"`
	RetryAttempts int           `json:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBase     time.Duration `json:"retry_base"     mapstructure:"retry_base"`
}

// ToolsConfig controls the diagnostic tool registry.
type ToolsConfig struct {
	Allow       []string `json:"allow,omitempty"        mapstructure:"allow"`
	CatalogPath string   `json:"catalog_path,omitempty" mapstructure:"catalog_path"`
}

// Documented defaults.
const (
	DefaultMaxIterations = 3
	DefaultStageTimeout  = 120 * time.Second
	DefaultToolTimeout   = 30 * time.Second
	DefaultToolFanout    = 4
	DefaultRetryAttempts = 3
	DefaultRetryBase     = 500 * time.Millisecond
)

// Default returns the configuration used when no file overrides exist.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Type:      "openai",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Budgets: Budgets{
			MaxIterations: DefaultMaxIterations,
			StageTimeout:  DefaultStageTimeout,
			ToolTimeout:   DefaultToolTimeout,
			ToolFanout:    DefaultToolFanout,
			RetryAttempts: DefaultRetryAttempts,
			RetryBase:     DefaultRetryBase,
		},
	}
}

// ApplyDefaults fills zero-valued budget fields with documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Backend.Type == "" {
		c.Backend.Type = "openai"
	}
	if c.Budgets.MaxIterations <= 0 {
		c.Budgets.MaxIterations = DefaultMaxIterations
	}
	if c.Budgets.StageTimeout <= 0 {
		c.Budgets.StageTimeout = DefaultStageTimeout
	}
	if c.Budgets.ToolTimeout <= 0 {
		c.Budgets.ToolTimeout = DefaultToolTimeout
	}
	if c.Budgets.ToolFanout <= 0 {
		c.Budgets.ToolFanout = DefaultToolFanout
	}
	if c.Budgets.RetryAttempts <= 0 {
		c.Budgets.RetryAttempts = DefaultRetryAttempts
	}
	if c.Budgets.RetryBase <= 0 {
		c.Budgets.RetryBase = DefaultRetryBase
	}
}

// Load reads and validates configuration from path. A missing file yields
// the defaults; a present but invalid file is an error.
func Load(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := ValidateSettings(v.AllSettings()); err != nil {
		return Config{}, err
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()

	switch cfg.Backend.Type {
	case "openai", "gemini":
	case "exec":
		if len(cfg.Backend.Cmd) == 0 {
			return Config{}, fmt.Errorf("exec backend requires cmd")
		}
	default:
		return Config{}, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}

	return cfg, nil
}
