// Package config loads runtime configuration from file and environment.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ErrNoAPIKey       = errors.New("api_key not set in config or LOOM_LLM_API_KEY")
	ErrInvalidMaxTabs = errors.New("ui.max_tabs must be at least 1")
	ErrInvalidConfig  = errors.New("invalid config file")
)

// Config holds the global loom configuration.
type Config struct {
	LLM  LLMConfig
	UI   UIConfig
	Diff DiffConfig
	Log  LogConfig
}

// LLMConfig holds transport settings.
type LLMConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	// AutoContinueTokenLimit triggers an automatic continue request when an
	// assistant turn ends near the response token ceiling. Zero disables it.
	AutoContinueTokenLimit int `mapstructure:"auto_continue_token_limit"`
}

// UIConfig holds session presentation settings.
type UIConfig struct {
	MaxTabs         int `mapstructure:"max_tabs"`
	CheckpointLimit int `mapstructure:"checkpoint_limit"`
}

// DiffConfig holds confirmation-flow settings.
type DiffConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Dir   string `mapstructure:"dir"`
	Debug bool   `mapstructure:"debug"`
}

// Load reads configuration from ~/.config/loom/config.toml (or the file named
// by LOOM_CONFIG) with LOOM_* environment overrides.
func Load() (*Config, error) {
	path := os.Getenv("LOOM_CONFIG")
	return LoadFrom(path)
}

// LoadFrom reads configuration from a specific file. An empty path falls back
// to the default search location; a missing file is not an error because every
// key has a default or an env override.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.model", "anthropic/claude-sonnet-4")
	v.SetDefault("llm.auto_continue_token_limit", 0)
	v.SetDefault("ui.max_tabs", 8)
	v.SetDefault("ui.checkpoint_limit", 50)
	v.SetDefault("diff.poll_interval", 500*time.Millisecond)
	v.SetDefault("log.dir", filepath.Join(os.Getenv("HOME"), ".local", "state", "loom"))
	v.SetDefault("log.debug", false)

	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "loom"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("LOOM")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, errors.Join(ErrInvalidConfig, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	if c.UI.MaxTabs < 1 {
		return nil, ErrInvalidMaxTabs
	}
	if c.Diff.PollInterval <= 0 {
		c.Diff.PollInterval = 500 * time.Millisecond
	}
	return &c, nil
}

// RequireAPIKey validates the key is present for actions that hit the
// transport. Deferred past Load so offline actions (version, tab bookkeeping)
// work without credentials.
func (c *Config) RequireAPIKey() error {
	if c.LLM.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}
